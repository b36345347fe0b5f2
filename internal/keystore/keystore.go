// Package keystore keeps the encoded master secret in a private file under the config dir.
package keystore

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/and161185/robosync/internal/crypto/clientcrypto"
	"github.com/and161185/robosync/internal/errs"
)

const fileName = "secret.json"

type secretFile struct {
	Secret  string    `json:"secret,omitempty"`
	Sealed  string    `json:"sealed,omitempty"` // base64 salt||nonce||ct
	SavedAt time.Time `json:"saved_at"`
}

// File stores the secret in dir/secret.json with mode 0600. With a passphrase
// the secret is sealed under an argon2id KEK.
type File struct {
	dir        string
	passphrase []byte
}

// NewFile returns a store rooted at dir.
func NewFile(dir string, passphrase string) *File {
	f := &File{dir: dir}
	if passphrase != "" {
		f.passphrase = []byte(passphrase)
	}
	return f
}

// Path returns the secret file location.
func (f *File) Path() string { return filepath.Join(f.dir, fileName) }

// Save writes the encoded secret, replacing any previous one.
func (f *File) Save(secret string) error {
	if err := os.MkdirAll(f.dir, 0o700); err != nil {
		return err
	}
	sf := secretFile{SavedAt: time.Now().UTC()}
	if f.passphrase != nil {
		sealed, err := clientcrypto.SealWithPassphrase(f.passphrase, []byte(secret))
		if err != nil {
			return fmt.Errorf("seal secret: %w", err)
		}
		sf.Sealed = base64.StdEncoding.EncodeToString(sealed)
	} else {
		sf.Secret = secret
	}
	b, err := json.MarshalIndent(sf, "", "  ")
	if err != nil {
		return err
	}
	tmp := f.Path() + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, f.Path())
}

// Load returns the stored secret or errs.ErrNoSecret.
func (f *File) Load() (string, error) {
	b, err := os.ReadFile(f.Path())
	if errors.Is(err, fs.ErrNotExist) {
		return "", errs.ErrNoSecret
	}
	if err != nil {
		return "", err
	}
	var sf secretFile
	if err := json.Unmarshal(b, &sf); err != nil {
		return "", fmt.Errorf("parse %s: %w", f.Path(), err)
	}
	if sf.Sealed == "" {
		if sf.Secret == "" {
			return "", errs.ErrNoSecret
		}
		return sf.Secret, nil
	}
	if f.passphrase == nil {
		return "", fmt.Errorf("secret is sealed, passphrase required: %w", errs.ErrDecryptionFailure)
	}
	raw, err := base64.StdEncoding.DecodeString(sf.Sealed)
	if err != nil {
		return "", fmt.Errorf("sealed secret: %w", errs.ErrDecryptionFailure)
	}
	plain, err := clientcrypto.OpenWithPassphrase(f.passphrase, raw)
	if err != nil {
		return "", fmt.Errorf("open secret: %w", errs.ErrDecryptionFailure)
	}
	return string(plain), nil
}

// Wipe removes the secret file. A missing file is not an error.
func (f *File) Wipe() error {
	err := os.Remove(f.Path())
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}
