// Package keyderiv derives robot identities from a garage master secret.
package keyderiv

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcutil/bech32"

	"github.com/and161185/robosync/internal/crypto"
	"github.com/and161185/robosync/internal/errs"
)

const (
	garageKeyHRP    = "robo"
	garageKeyPrefix = garageKeyHRP + "1"
	garageKeyLen    = 32

	garageKeyMinLen = 55
	garageKeyMaxLen = 65
)

// MasterSecret is the long-term secret robots are derived from.
// It is either a LegacyToken or a GarageKey.
type MasterSecret interface {
	// Encode returns the text form accepted by ParseMasterSecret.
	Encode() string
	isMasterSecret()
}

// LegacyToken is a flat robot token. It yields exactly one identity.
type LegacyToken struct {
	token string
}

// NewLegacyToken validates token entropy and wraps it.
func NewLegacyToken(token string) (LegacyToken, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return LegacyToken{}, fmt.Errorf("empty token: %w", errs.ErrInvalidKeyFormat)
	}
	if e := crypto.ValidateTokenEntropy(token); !e.HasEnough {
		return LegacyToken{}, fmt.Errorf("token entropy too low (%.0f bits, shannon %.2f): %w",
			e.BitsEntropy, e.ShannonEntropy, errs.ErrInvalidKeyFormat)
	}
	return LegacyToken{token: token}, nil
}

func (t LegacyToken) Encode() string { return t.token }
func (LegacyToken) isMasterSecret()  {}

// GarageKey is 32 bytes of key material, bech32 encoded with the "robo" prefix.
type GarageKey struct {
	key [garageKeyLen]byte
}

// GenerateGarageKey returns a fresh random garage key.
func GenerateGarageKey() (GarageKey, error) {
	b, err := crypto.RandBytes(garageKeyLen)
	if err != nil {
		return GarageKey{}, fmt.Errorf("generate garage key: %w", err)
	}
	var k GarageKey
	copy(k.key[:], b)
	return k, nil
}

// GarageKeyFromBytes wraps raw key material.
func GarageKeyFromBytes(b []byte) (GarageKey, error) {
	if len(b) != garageKeyLen {
		return GarageKey{}, fmt.Errorf("garage key must be %d bytes, got %d: %w", garageKeyLen, len(b), errs.ErrInvalidKeyFormat)
	}
	var k GarageKey
	copy(k.key[:], b)
	return k, nil
}

// DecodeGarageKey parses a bech32 "robo1..." string.
func DecodeGarageKey(s string) (GarageKey, error) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(strings.ToLower(s), garageKeyPrefix) {
		return GarageKey{}, fmt.Errorf("must start with %q: %w", garageKeyPrefix, errs.ErrInvalidKeyFormat)
	}
	if len(s) < garageKeyMinLen || len(s) > garageKeyMaxLen {
		return GarageKey{}, fmt.Errorf("invalid length %d: %w", len(s), errs.ErrInvalidKeyFormat)
	}
	hrp, words, err := bech32.Decode(s)
	if err != nil {
		return GarageKey{}, fmt.Errorf("bech32: %v: %w", err, errs.ErrInvalidKeyFormat)
	}
	if hrp != garageKeyHRP {
		return GarageKey{}, fmt.Errorf("invalid prefix %q: %w", hrp, errs.ErrInvalidKeyFormat)
	}
	raw, err := bech32.ConvertBits(words, 5, 8, false)
	if err != nil {
		return GarageKey{}, fmt.Errorf("bech32 words: %v: %w", err, errs.ErrInvalidKeyFormat)
	}
	return GarageKeyFromBytes(raw)
}

// Encode returns the bech32 form.
func (k GarageKey) Encode() string {
	words, err := bech32.ConvertBits(k.key[:], 8, 5, true)
	if err != nil {
		// 32 bytes always convert
		panic(err)
	}
	s, err := bech32.Encode(garageKeyHRP, words)
	if err != nil {
		panic(err)
	}
	return s
}

func (GarageKey) isMasterSecret() {}

// Bytes returns a copy of the raw key material.
func (k GarageKey) Bytes() []byte {
	out := make([]byte, garageKeyLen)
	copy(out, k.key[:])
	return out
}

// NostrKeys returns the garage-level nostr keypair used for account recovery markers.
func (k GarageKey) NostrKeys() (sk, pk string, err error) {
	return nostrKeysFrom(hex.EncodeToString(k.key[:]))
}

// ParseMasterSecret accepts either a garage key or a legacy token.
func ParseMasterSecret(s string) (MasterSecret, error) {
	s = strings.TrimSpace(s)
	// a "robo1" string is always a garage key, never a legacy token
	if strings.HasPrefix(strings.ToLower(s), garageKeyPrefix) {
		k, err := DecodeGarageKey(s)
		if err != nil {
			return nil, err
		}
		return k, nil
	}
	tok, err := NewLegacyToken(s)
	if err != nil {
		return nil, err
	}
	return tok, nil
}
