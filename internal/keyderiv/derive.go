package keyderiv

import (
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"fmt"

	"github.com/nbd-wtf/go-nostr"
	"github.com/tyler-smith/go-bip32"

	"github.com/and161185/robosync/internal/crypto"
	"github.com/and161185/robosync/internal/errs"
)

const (
	coinType = 88
	tokenLen = 36
)

// Keys is the PGP keypair a coordinator stores for a robot, both armored.
type Keys struct {
	Public           string
	EncryptedPrivate string // unlocked by the token
}

// DerivationResult is everything derived for one account index.
type DerivationResult struct {
	AccountIndex uint32
	Token        string
	TokenSHA256  string
	Keys         Keys
	NostrSecret  string
	NostrPublic  string
}

// Derive computes the identity for accountIndex. Output is a pure function of its inputs.
func Derive(secret MasterSecret, accountIndex uint32) (DerivationResult, error) {
	switch s := secret.(type) {
	case LegacyToken:
		if accountIndex != 0 {
			return DerivationResult{}, fmt.Errorf("legacy token has no account %d: %w", accountIndex, errs.ErrInvalidSecretFormat)
		}
		return FromToken(s.token, 0)
	case GarageKey:
		tok, err := robotToken(s, accountIndex)
		if err != nil {
			return DerivationResult{}, err
		}
		return FromToken(tok, accountIndex)
	case nil:
		return DerivationResult{}, errs.ErrNoSecret
	default:
		return DerivationResult{}, fmt.Errorf("unsupported secret %T: %w", secret, errs.ErrInvalidSecretFormat)
	}
}

// FromToken derives keys and credential for an already known token.
func FromToken(token string, accountIndex uint32) (DerivationResult, error) {
	sk, pk, err := nostrKeysFrom(token)
	if err != nil {
		return DerivationResult{}, err
	}
	keys, err := pgpKeys(token)
	if err != nil {
		return DerivationResult{}, fmt.Errorf("robot keys: %w", err)
	}
	return DerivationResult{
		AccountIndex: accountIndex,
		Token:        token,
		TokenSHA256:  crypto.TokenSHA256(token),
		Keys:         keys,
		NostrSecret:  sk,
		NostrPublic:  pk,
	}, nil
}

// robotToken follows m/44'/88'/<index>'/0 from SHA-512(key) and renders the child key in base62.
func robotToken(k GarageKey, accountIndex uint32) (string, error) {
	if accountIndex >= bip32.FirstHardenedChild {
		return "", fmt.Errorf("account index %d out of range: %w", accountIndex, errs.ErrInvalidSecretFormat)
	}
	seed := sha512.Sum512(k.key[:])
	master, err := bip32.NewMasterKey(seed[:])
	if err != nil {
		return "", fmt.Errorf("bip32 master: %w", err)
	}
	path := []uint32{
		bip32.FirstHardenedChild + 44,
		bip32.FirstHardenedChild + coinType,
		bip32.FirstHardenedChild + accountIndex,
		0,
	}
	key := master
	for _, idx := range path {
		key, err = key.NewChildKey(idx)
		if err != nil {
			return "", fmt.Errorf("bip32 child %d: %w", idx, err)
		}
	}
	return crypto.EncodeBase62Fixed(key.Key, tokenLen), nil
}

// nostrKeysFrom maps arbitrary material to a nostr keypair: sk = SHA-256(SHA-512(material)).
func nostrKeysFrom(material string) (sk, pk string, err error) {
	h := sha512.Sum512([]byte(material))
	s := sha256.Sum256(h[:])
	sk = hex.EncodeToString(s[:])
	pk, err = nostr.GetPublicKey(sk)
	if err != nil {
		return "", "", fmt.Errorf("nostr pubkey: %w", err)
	}
	return sk, pk, nil
}
