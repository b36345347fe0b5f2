package notify

import (
	crand "crypto/rand"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip44"

	"github.com/and161185/robosync/internal/errs"
)

// Event kinds used on the relay network.
const (
	KindSeal          = 13
	KindGiftWrap      = 1059
	KindAccountMarker = 30078
)

// wrapJitter bounds how far seal and wrap timestamps are pushed into the past.
const wrapJitter = 2 * 24 * time.Hour

// Wrap seals rumor from sender to recipient and wraps it under a one-time key.
// The rumor stays unsigned; only its id is set.
func Wrap(rumor nostr.Event, senderSk, recipientPub string) (nostr.Event, error) {
	senderPub, err := nostr.GetPublicKey(senderSk)
	if err != nil {
		return nostr.Event{}, fmt.Errorf("sender key: %w", err)
	}
	rumor.PubKey = senderPub
	rumor.Sig = ""
	rumor.ID = rumor.GetID()

	sealed, err := encryptTo(rumor, senderSk, recipientPub)
	if err != nil {
		return nostr.Event{}, fmt.Errorf("seal: %w", err)
	}
	seal := nostr.Event{
		Kind:      KindSeal,
		CreatedAt: jittered(),
		Tags:      nostr.Tags{},
		Content:   sealed,
	}
	if err := seal.Sign(senderSk); err != nil {
		return nostr.Event{}, fmt.Errorf("sign seal: %w", err)
	}

	ephemeral := nostr.GeneratePrivateKey()
	wrapped, err := encryptTo(seal, ephemeral, recipientPub)
	if err != nil {
		return nostr.Event{}, fmt.Errorf("wrap: %w", err)
	}
	wrap := nostr.Event{
		Kind:      KindGiftWrap,
		CreatedAt: jittered(),
		Tags:      nostr.Tags{{"p", recipientPub}},
		Content:   wrapped,
	}
	if err := wrap.Sign(ephemeral); err != nil {
		return nostr.Event{}, fmt.Errorf("sign wrap: %w", err)
	}
	return wrap, nil
}

// Unwrap opens a gift wrap addressed to recipientSk and returns the inner rumor.
// Every failure wraps errs.ErrDecryptionFailure.
func Unwrap(wrap *nostr.Event, recipientSk string) (nostr.Event, error) {
	if wrap.Kind != KindGiftWrap {
		return nostr.Event{}, fmt.Errorf("kind %d: %w", wrap.Kind, errs.ErrDecryptionFailure)
	}
	var seal nostr.Event
	if err := decryptFrom(wrap.Content, wrap.PubKey, recipientSk, &seal); err != nil {
		return nostr.Event{}, fmt.Errorf("open wrap: %w", err)
	}
	if seal.Kind != KindSeal {
		return nostr.Event{}, fmt.Errorf("seal kind %d: %w", seal.Kind, errs.ErrDecryptionFailure)
	}
	if ok, err := seal.CheckSignature(); err != nil || !ok {
		return nostr.Event{}, fmt.Errorf("seal signature: %w", errs.ErrDecryptionFailure)
	}
	var rumor nostr.Event
	if err := decryptFrom(seal.Content, seal.PubKey, recipientSk, &rumor); err != nil {
		return nostr.Event{}, fmt.Errorf("open seal: %w", err)
	}
	if rumor.PubKey != seal.PubKey {
		return nostr.Event{}, fmt.Errorf("rumor author mismatch: %w", errs.ErrDecryptionFailure)
	}
	return rumor, nil
}

func encryptTo(ev nostr.Event, sk, pub string) (string, error) {
	ck, err := nip44.GenerateConversationKey(pub, sk)
	if err != nil {
		return "", err
	}
	raw, err := json.Marshal(ev)
	if err != nil {
		return "", err
	}
	// nip44.Encrypt drops its own random salt, so always supply one.
	salt := make([]byte, 32)
	if _, err := crand.Read(salt); err != nil {
		return "", err
	}
	return nip44.Encrypt(string(raw), ck, nip44.WithCustomSalt(salt))
}

func decryptFrom(content, pub, sk string, out *nostr.Event) error {
	ck, err := nip44.GenerateConversationKey(pub, sk)
	if err != nil {
		return fmt.Errorf("%w: %w", errs.ErrDecryptionFailure, err)
	}
	plain, err := nip44.Decrypt(content, ck)
	if err != nil {
		return fmt.Errorf("%w: %w", errs.ErrDecryptionFailure, err)
	}
	if err := json.Unmarshal([]byte(plain), out); err != nil {
		return fmt.Errorf("%w: %w", errs.ErrDecryptionFailure, err)
	}
	return nil
}

func jittered() nostr.Timestamp {
	back := time.Duration(rand.Int64N(int64(wrapJitter)))
	return nostr.Timestamp(time.Now().Add(-back).Unix())
}
