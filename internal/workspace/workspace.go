// Package workspace exports and imports the non-secret part of a client setup.
// A document never carries the master secret, robot tokens or private keys.
package workspace

import (
	"cmp"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"slices"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/and161185/robosync/internal/config"
	"github.com/and161185/robosync/internal/model"
)

// Version is the document format written by Encode.
const Version = 1

// ErrInvalidDocument is returned by Decode for unreadable or inconsistent documents.
var ErrInvalidDocument = errors.New("invalid workspace document")

// Preferences are client tunables carried across installations.
type Preferences struct {
	Relays           []string `json:"relays,omitempty"`
	RecoveryGap      int      `json:"recoveryGap,omitempty"`
	BackgroundFactor int      `json:"backgroundFactor,omitempty"`
}

// Identity is the public face of one slot.
type Identity struct {
	AccountIndex uint32   `json:"accountIndex"`
	Nickname     string   `json:"nickname"`
	HashID       string   `json:"hashId"`
	Coordinators []string `json:"coordinators,omitempty"`
}

// Document is the exported workspace.
type Document struct {
	ID                  uuid.UUID       `json:"id"`
	Version             int             `json:"version"`
	ExportedAt          time.Time       `json:"exportedAt"`
	Network             model.Network   `json:"network"`
	Transport           model.Transport `json:"transport"`
	EnabledCoordinators []string        `json:"enabledCoordinators"`
	Preferences         Preferences     `json:"preferences"`
	Identities          []Identity      `json:"identities"`
}

// FromConfig starts a document from the active configuration.
func FromConfig(cfg config.Config, now time.Time) (Document, error) {
	id, err := uuid.NewV4()
	if err != nil {
		return Document{}, fmt.Errorf("workspace id: %w", err)
	}
	doc := Document{
		ID:         id,
		Version:    Version,
		ExportedAt: now.UTC(),
		Network:    cfg.Network,
		Transport:  cfg.Transport,
		Preferences: Preferences{
			Relays:           slices.Clone(cfg.Relays),
			RecoveryGap:      cfg.RecoveryGap,
			BackgroundFactor: cfg.BackgroundFactor,
		},
		EnabledCoordinators: []string{},
		Identities:          []Identity{},
	}
	for _, c := range cfg.Coordinators {
		if !c.Disabled {
			doc.EnabledCoordinators = append(doc.EnabledCoordinators, c.ShortAlias)
		}
	}
	return doc, nil
}

// AddIdentity appends a slot's public data, in account order.
func (d *Document) AddIdentity(idx uint32, robots []model.Robot) {
	ident := Identity{AccountIndex: idx}
	for _, r := range robots {
		if !r.Found && r.Nickname == "" {
			continue
		}
		if ident.Nickname == "" {
			ident.Nickname, ident.HashID = r.Nickname, r.HashID
		}
		ident.Coordinators = append(ident.Coordinators, r.ShortAlias)
	}
	d.Identities = append(d.Identities, ident)
	slices.SortFunc(d.Identities, func(a, b Identity) int { return cmp.Compare(a.AccountIndex, b.AccountIndex) })
}

// Encode writes doc as indented JSON.
func Encode(w io.Writer, doc Document) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(doc)
}

// Decode reads and validates a document. Unknown fields are rejected so a file
// carrying secrets is never silently accepted.
func Decode(r io.Reader) (Document, error) {
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	var doc Document
	if err := dec.Decode(&doc); err != nil {
		return Document{}, fmt.Errorf("%w: %w", ErrInvalidDocument, err)
	}
	if err := doc.validate(); err != nil {
		return Document{}, fmt.Errorf("%w: %w", ErrInvalidDocument, err)
	}
	return doc, nil
}

func (d Document) validate() error {
	if d.ID == uuid.Nil {
		return errors.New("missing id")
	}
	if d.Version < 1 || d.Version > Version {
		return fmt.Errorf("unsupported version %d", d.Version)
	}
	seen := map[uint32]bool{}
	for _, id := range d.Identities {
		if seen[id.AccountIndex] {
			return fmt.Errorf("account %d listed twice", id.AccountIndex)
		}
		seen[id.AccountIndex] = true
	}
	candidate := config.Config{
		Network:          d.Network,
		Transport:        d.Transport,
		RecoveryGap:      1,
		BackgroundFactor: 1,
	}
	return candidate.Validate()
}

// Apply copies the document's preferences into cfg. Coordinators named in the
// document are enabled and every other known coordinator is disabled; names cfg
// does not know are returned. Identities are informational and not applied.
func Apply(doc Document, cfg *config.Config) (unknown []string) {
	cfg.Network = doc.Network
	cfg.Transport = doc.Transport
	if len(doc.Preferences.Relays) > 0 {
		cfg.Relays = slices.Clone(doc.Preferences.Relays)
	}
	if doc.Preferences.RecoveryGap > 0 {
		cfg.RecoveryGap = doc.Preferences.RecoveryGap
	}
	if doc.Preferences.BackgroundFactor > 0 {
		cfg.BackgroundFactor = doc.Preferences.BackgroundFactor
	}

	known := map[string]bool{}
	for i := range cfg.Coordinators {
		c := &cfg.Coordinators[i]
		known[c.ShortAlias] = true
		c.Disabled = !slices.Contains(doc.EnabledCoordinators, c.ShortAlias)
	}
	for _, a := range doc.EnabledCoordinators {
		if !known[a] {
			unknown = append(unknown, a)
		}
	}
	return unknown
}
