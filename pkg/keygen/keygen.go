// Package keygen generates the P-256 rotation keypair used for
// account-recovery registration (spec.md §4.4) and encodes it in the
// identity directory's did:key multibase format.
package keygen

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"fmt"
	"math/big"

	"github.com/mr-tron/base58"
	"github.com/multiformats/go-multibase"
)

// Multicodec prefixes for P-256 (prime256v1) keys, per the did:key spec.
var (
	p256PublicMulticodec  = []byte{0x80, 0x24}
	p256PrivateMulticodec = []byte{0x86, 0x26}
)

// KeyPair holds a generated rotation key in both raw and did:key-encoded form.
type KeyPair struct {
	PublicMultibase  string // "did:key:z..."
	PrivateMultibase string // "z..." (never prefixed with did:key:)
	priv             *ecdsa.PrivateKey
}

// Generate creates a new P-256 keypair and encodes it per spec.md §4.4.
func Generate() (*KeyPair, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("keygen: generate p-256 key: %w", err)
	}

	pubEncoded, err := encodePublicKey(&priv.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("keygen: encode public key: %w", err)
	}
	privEncoded, err := encodePrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("keygen: encode private key: %w", err)
	}

	kp := &KeyPair{
		PublicMultibase:  "did:key:" + pubEncoded,
		PrivateMultibase: privEncoded,
		priv:             priv,
	}

	// Verify the derived public key matches the encoded one before returning,
	// per spec.md §4.4 and the round-trip law in §8.
	rederived, err := Derive(kp.PrivateMultibase)
	if err != nil {
		return nil, fmt.Errorf("keygen: verify round-trip: %w", err)
	}
	if rederived.PublicMultibase != kp.PublicMultibase {
		return nil, fmt.Errorf("keygen: derived public key does not match generated one")
	}

	return kp, nil
}

// Derive reconstructs a KeyPair from an encoded private multibase string,
// re-deriving the public key. Used both for the post-generation self-check
// and by tests validating the round-trip law.
func Derive(privateMultibase string) (*KeyPair, error) {
	_, raw, err := multibase.Decode(privateMultibase)
	if err != nil {
		return nil, fmt.Errorf("keygen: decode private multibase: %w", err)
	}
	if len(raw) < len(p256PrivateMulticodec)+32 {
		return nil, fmt.Errorf("keygen: private key material too short")
	}
	if raw[0] != p256PrivateMulticodec[0] || raw[1] != p256PrivateMulticodec[1] {
		return nil, fmt.Errorf("keygen: unexpected private key multicodec prefix")
	}
	scalar := raw[len(p256PrivateMulticodec):]

	curve := elliptic.P256()
	priv := new(ecdsa.PrivateKey)
	priv.PublicKey.Curve = curve
	priv.D = new(big.Int).SetBytes(scalar)
	priv.PublicKey.X, priv.PublicKey.Y = curve.ScalarBaseMult(scalar)

	pubEncoded, err := encodePublicKey(&priv.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("keygen: encode derived public key: %w", err)
	}

	// Round-trip the private encoding too, exercising mr-tron/base58 directly
	// as a cross-check against the multibase package's own codec.
	if err := verifyBase58Agreement(privateMultibase, raw); err != nil {
		return nil, err
	}

	return &KeyPair{
		PublicMultibase:  "did:key:" + pubEncoded,
		PrivateMultibase: privateMultibase,
		priv:             priv,
	}, nil
}

func encodePublicKey(pub *ecdsa.PublicKey) (string, error) {
	compressed := elliptic.MarshalCompressed(pub.Curve, pub.X, pub.Y)
	prefixed := append(append([]byte{}, p256PublicMulticodec...), compressed...)
	return multibase.Encode(multibase.Base58BTC, prefixed)
}

func encodePrivateKey(priv *ecdsa.PrivateKey) (string, error) {
	scalar := priv.D.FillBytes(make([]byte, 32)) // zero-padded 32-byte scalar
	prefixed := append(append([]byte{}, p256PrivateMulticodec...), scalar...)
	return multibase.Encode(multibase.Base58BTC, prefixed)
}

// verifyBase58Agreement decodes the multibase-z payload with mr-tron/base58
// directly (stripping the 'z' prefix) and checks it matches what
// multibase.Decode already gave us — a defense against a codec mismatch
// silently corrupting recovery keys.
func verifyBase58Agreement(encoded string, expected []byte) error {
	if len(encoded) == 0 || encoded[0] != 'z' {
		return fmt.Errorf("keygen: expected base58-btc multibase prefix 'z'")
	}
	decoded, err := base58.Decode(encoded[1:])
	if err != nil {
		return fmt.Errorf("keygen: base58 decode: %w", err)
	}
	if len(decoded) != len(expected) {
		return fmt.Errorf("keygen: base58/multibase codec disagreement")
	}
	for i := range decoded {
		if decoded[i] != expected[i] {
			return fmt.Errorf("keygen: base58/multibase codec disagreement")
		}
	}
	return nil
}
