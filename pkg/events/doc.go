/*
Package events provides an in-memory event broker for migration lifecycle
notifications.

It is a topic-agnostic pub/sub bus: every event is broadcast to every
subscriber, with a buffered channel per subscriber so a slow consumer never
blocks a publisher. Publish is itself non-blocking against the broker's
internal channel and drops silently on Stop.

# Event types

	migration.created     a new migration record passed email verification
	migration.advanced    a phase completed and the status moved forward
	migration.failed      a phase exhausted its retries or hit a fatal error
	migration.cancelled   the operator or user cancelled before pending_plc
	migration.completed   the migration reached its terminal completed state
	phase.started         a job handler began work on a migration
	phase.retried         a job was requeued after a retryable error
	plc_token.requested    the one-time directory token email was sent
	directory.updated     the PLC/did:web directory operation was submitted

# Usage

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	broker.Publish(&events.Event{
		Type:    events.EventMigrationAdvanced,
		Message: "migration advanced to pending_blobs",
		Metadata: map[string]string{"token": m.Token},
	})

Consumers are typically the status API (to stream progress to a polling
client) and the metrics collector (to increment per-event-type counters).
*/
package events
