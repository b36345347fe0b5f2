package keyderiv

import (
	"bytes"
	"crypto"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/go-crypto/openpgp/armor"
	"github.com/ProtonMail/go-crypto/openpgp/clearsign"
	"github.com/ProtonMail/go-crypto/openpgp/packet"
	"golang.org/x/crypto/chacha20"

	"github.com/and161185/robosync/internal/crypto/clientcrypto"
	"github.com/and161185/robosync/internal/errs"
)

// pgpEpoch is the creation time stamped on every derived key, so the armored
// output depends on the token alone.
var pgpEpoch = time.Date(2022, time.January, 1, 0, 0, 0, 0, time.UTC)

var infoPGPStream = []byte("robosync/pgp-keygen")

// pgpKeys generates the robot's ed25519/cv25519 keypair from token. The private
// key is encrypted with the token as passphrase, as coordinators expect.
func pgpKeys(token string) (Keys, error) {
	seed, err := clientcrypto.DeriveKey([]byte(token), infoPGPStream, chacha20.KeySize)
	if err != nil {
		return Keys{}, err
	}
	stream, err := newKeystream(seed)
	if err != nil {
		return Keys{}, err
	}
	cfg := &packet.Config{
		Rand:          stream,
		Time:          func() time.Time { return pgpEpoch },
		Algorithm:     packet.PubKeyAlgoEdDSA,
		Curve:         packet.Curve25519,
		DefaultHash:   crypto.SHA256,
		DefaultCipher: packet.CipherAES256,
	}

	e, err := openpgp.NewEntity(pgpUserID(token), "", "", cfg)
	if err != nil {
		return Keys{}, fmt.Errorf("pgp keygen: %w", err)
	}

	var pub bytes.Buffer
	if err := armored(&pub, openpgp.PublicKeyType, e.Serialize); err != nil {
		return Keys{}, fmt.Errorf("pgp public: %w", err)
	}
	if err := e.EncryptPrivateKeys([]byte(token), cfg); err != nil {
		return Keys{}, fmt.Errorf("pgp encrypt private: %w", err)
	}
	var priv bytes.Buffer
	err = armored(&priv, openpgp.PrivateKeyType, func(w io.Writer) error {
		return e.SerializePrivateWithoutSigning(w, cfg)
	})
	if err != nil {
		return Keys{}, fmt.Errorf("pgp private: %w", err)
	}
	return Keys{Public: pub.String(), EncryptedPrivate: priv.String()}, nil
}

// SignCleartext clear-signs message with the robot's key. Coordinators require
// payout invoices and addresses in this form.
func SignCleartext(token, encryptedPrivate, message string) (string, error) {
	ring, err := openpgp.ReadArmoredKeyRing(strings.NewReader(encryptedPrivate))
	if err != nil || len(ring) == 0 {
		return "", fmt.Errorf("read private key: %w", errs.ErrDecryptionFailure)
	}
	e := ring[0]
	if e.PrivateKey == nil {
		return "", fmt.Errorf("no private key: %w", errs.ErrDecryptionFailure)
	}
	if err := e.DecryptPrivateKeys([]byte(token)); err != nil {
		return "", fmt.Errorf("unlock private key: %w", errs.ErrDecryptionFailure)
	}

	var out bytes.Buffer
	w, err := clearsign.Encode(&out, e.PrivateKey, nil)
	if err != nil {
		return "", fmt.Errorf("clearsign: %w", err)
	}
	if _, err := io.WriteString(w, message); err != nil {
		return "", err
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("clearsign: %w", err)
	}
	return out.String(), nil
}

// pgpUserID names the key after the double hash the coordinator derives nicknames from.
func pgpUserID(token string) string {
	first := sha256.Sum256([]byte(token))
	second := sha256.Sum256([]byte(hex.EncodeToString(first[:])))
	return "RoboSats ID " + hex.EncodeToString(second[:])
}

func armored(dst io.Writer, blockType string, write func(io.Writer) error) error {
	w, err := armor.Encode(dst, blockType, nil)
	if err != nil {
		return err
	}
	if err := write(w); err != nil {
		return err
	}
	return w.Close()
}

// keystream is an endless ChaCha20 stream used as the key generator's randomness.
type keystream struct {
	c *chacha20.Cipher
}

func newKeystream(key []byte) (*keystream, error) {
	c, err := chacha20.NewUnauthenticatedCipher(key, make([]byte, chacha20.NonceSize))
	if err != nil {
		return nil, err
	}
	return &keystream{c: c}, nil
}

func (k *keystream) Read(p []byte) (int, error) {
	clear(p)
	k.c.XORKeyStream(p, p)
	return len(p), nil
}
