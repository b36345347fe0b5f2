// Package garage owns the master secret and the identity slots derived from it.
package garage

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/and161185/robosync/internal/crypto"
	"github.com/and161185/robosync/internal/errs"
	"github.com/and161185/robosync/internal/federation"
	"github.com/and161185/robosync/internal/keyderiv"
	"github.com/and161185/robosync/internal/repository"
	"github.com/and161185/robosync/internal/repository/memory"
)

// DefaultRecoveryGap is the number of consecutive empty indices that ends a recovery scan.
const DefaultRecoveryGap = 5

// Registrar registers an identity with the coordinators of a federation.
type Registrar interface {
	FetchRobotEverywhere(ctx context.Context, target federation.RobotTarget) error
}

// SecretStore persists the encoded master secret.
type SecretStore interface {
	Save(secret string) error
	Load() (string, error)
	Wipe() error
}

// MarkerStore publishes and reads account-recovery markers on the relay network.
// garageSecret is the hex nostr secret derived from the garage key.
type MarkerStore interface {
	PublishAccountMarker(ctx context.Context, garageSecret string, index uint32) error
	AccountMarkers(ctx context.Context, garageSecret string) (map[uint32]bool, error)
}

// EventKind classifies a garage change.
type EventKind int

const (
	SecretChanged EventKind = iota
	SlotAdded
	SlotUpdated
	SlotRemoved
	SlotSelected
)

// Event is delivered to OnSlotUpdate listeners after a mutation is applied.
// Token is empty for SecretChanged.
type Event struct {
	Kind  EventKind
	Token string
}

// Garage is the single writer of identity state. All mutations take its lock;
// network calls happen outside it.
type Garage struct {
	repo    repository.SlotRepository
	store   SecretStore
	markers MarkerStore
	log     *zap.Logger
	now     func() time.Time
	gap     int
	sf      singleflight.Group

	mu        sync.RWMutex
	secret    keyderiv.MasterSecret
	garageID  string
	slots     map[string]*Slot // by token
	current   string
	nextIndex uint32

	hooksMu sync.RWMutex
	hooks   []func(Event)
}

// Option configures a Garage.
type Option func(*Garage)

func WithRepository(r repository.SlotRepository) Option { return func(g *Garage) { g.repo = r } }
func WithSecretStore(s SecretStore) Option              { return func(g *Garage) { g.store = s } }
func WithMarkers(m MarkerStore) Option                  { return func(g *Garage) { g.markers = m } }
func WithLogger(l *zap.Logger) Option                   { return func(g *Garage) { g.log = l } }
func WithNow(fn func() time.Time) Option                { return func(g *Garage) { g.now = fn } }

// WithRecoveryGap overrides DefaultRecoveryGap. Values below 1 are ignored.
func WithRecoveryGap(n int) Option {
	return func(g *Garage) {
		if n > 0 {
			g.gap = n
		}
	}
}

// New returns an empty garage. Without a repository, slots live in memory.
func New(opts ...Option) *Garage {
	g := &Garage{
		log:   zap.NewNop(),
		now:   time.Now,
		gap:   DefaultRecoveryGap,
		slots: make(map[string]*Slot),
	}
	for _, o := range opts {
		o(g)
	}
	if g.repo == nil {
		g.repo = memory.NewSlotRepo()
	}
	return g
}

// OnSlotUpdate registers a listener for applied mutations.
func (g *Garage) OnSlotUpdate(fn func(Event)) {
	g.hooksMu.Lock()
	g.hooks = append(g.hooks, fn)
	g.hooksMu.Unlock()
}

func (g *Garage) fire(ev Event) {
	g.hooksMu.RLock()
	hooks := slices.Clone(g.hooks)
	g.hooksMu.RUnlock()
	for _, fn := range hooks {
		fn(ev)
	}
}

func (g *Garage) slotChanged(s *Slot) { g.fire(Event{Kind: SlotUpdated, Token: s.Token()}) }

// Load restores the secret from the store, if any, and the slots persisted for it.
func (g *Garage) Load(ctx context.Context) error {
	if g.store == nil {
		return nil
	}
	s, err := g.store.Load()
	if err != nil {
		if errors.Is(err, errs.ErrNoSecret) {
			return nil
		}
		return fmt.Errorf("load secret: %w", err)
	}
	sec, err := keyderiv.ParseMasterSecret(s)
	if err != nil {
		return err
	}
	return g.install(ctx, sec, false)
}

// SetMasterSecret replaces the secret. Slots and the account index are reset and
// then restored from whatever was persisted for the new secret.
func (g *Garage) SetMasterSecret(ctx context.Context, s string) error {
	sec, err := keyderiv.ParseMasterSecret(s)
	if err != nil {
		return err
	}
	return g.install(ctx, sec, true)
}

func (g *Garage) install(ctx context.Context, sec keyderiv.MasterSecret, persist bool) error {
	garageID := crypto.TokenSHA256(sec.Encode())
	recs, err := g.repo.ListSlots(ctx, garageID)
	if err != nil {
		return fmt.Errorf("list slots: %w", err)
	}
	next, err := g.repo.NextAccountIndex(ctx, garageID)
	if err != nil {
		return fmt.Errorf("next account index: %w", err)
	}

	slots := make(map[string]*Slot, len(recs))
	var current *Slot
	for _, rec := range recs {
		id, err := keyderiv.Derive(sec, rec.AccountIndex)
		if err != nil || id.TokenSHA256 != rec.TokenSHA256 {
			g.log.Warn("skipping persisted slot that does not match the secret", zap.Uint32("index", rec.AccountIndex))
			continue
		}
		s := newSlot(id, g.now, g.slotChanged)
		s.restore(rec)
		slots[id.Token] = s
		if current == nil || id.AccountIndex > current.AccountIndex() {
			current = s
		}
	}

	if persist && g.store != nil {
		if err := g.store.Save(sec.Encode()); err != nil {
			return fmt.Errorf("save secret: %w", err)
		}
	}

	g.mu.Lock()
	g.secret = sec
	g.garageID = garageID
	g.slots = slots
	g.nextIndex = next
	g.current = ""
	if current != nil {
		g.current = current.Token()
	}
	g.mu.Unlock()

	g.log.Info("master secret installed", zap.Int("slots", len(slots)), zap.Uint32("next_index", next))
	g.fire(Event{Kind: SecretChanged})
	return nil
}

// HasSecret reports whether a master secret is set.
func (g *Garage) HasSecret() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.secret != nil
}

// IsLegacy reports whether the secret is a flat legacy token.
func (g *Garage) IsLegacy() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.secret.(keyderiv.LegacyToken)
	return ok
}

// CreateIdentity derives the next unused account (index 0 for a legacy token),
// selects it and registers it with every enabled coordinator. Concurrent calls
// for the same index share one derivation and registration. A registration
// failure is returned together with the slot; the index stays consumed.
func (g *Garage) CreateIdentity(ctx context.Context, reg Registrar) (*Slot, error) {
	g.mu.RLock()
	sec, idx, garageID := g.secret, g.nextIndex, g.garageID
	g.mu.RUnlock()
	if sec == nil {
		return nil, errs.ErrNoSecret
	}
	if _, legacy := sec.(keyderiv.LegacyToken); legacy {
		idx = 0
	}
	return g.createAt(ctx, reg, sec, garageID, idx)
}

type created struct {
	slot *Slot
	err  error
}

func (g *Garage) createAt(ctx context.Context, reg Registrar, sec keyderiv.MasterSecret, garageID string, idx uint32) (*Slot, error) {
	v, err, _ := g.sf.Do(garageID+"/"+strconv.FormatUint(uint64(idx), 10), func() (any, error) {
		s, isNew, err := g.adopt(ctx, sec, idx)
		if err != nil {
			return nil, err
		}
		g.selectToken(s.Token())
		if !isNew {
			// a legacy token has one identity; creating it again re-registers it
			if _, legacy := sec.(keyderiv.LegacyToken); legacy {
				return created{slot: s, err: g.register(ctx, reg, s)}, nil
			}
			return created{slot: s}, nil
		}
		g.publishMarker(ctx, sec, idx)
		return created{slot: s, err: g.register(ctx, reg, s)}, nil
	})
	if err != nil {
		return nil, err
	}
	c := v.(created)
	return c.slot, c.err
}

// adopt derives idx and inserts its slot unless one already exists.
func (g *Garage) adopt(ctx context.Context, sec keyderiv.MasterSecret, idx uint32) (*Slot, bool, error) {
	id, err := keyderiv.Derive(sec, idx)
	if err != nil {
		return nil, false, err
	}
	g.mu.Lock()
	if g.secret != sec {
		g.mu.Unlock()
		return nil, false, fmt.Errorf("secret replaced during derivation: %w", errs.ErrStaleResponse)
	}
	if s, ok := g.slots[id.Token]; ok {
		g.mu.Unlock()
		return s, false, nil
	}
	s := newSlot(id, g.now, g.slotChanged)
	g.slots[id.Token] = s
	if idx+1 > g.nextIndex {
		g.nextIndex = idx + 1
	}
	g.mu.Unlock()

	g.log.Info("identity created", zap.Uint32("index", idx))
	g.fire(Event{Kind: SlotAdded, Token: s.Token()})
	if err := g.Save(ctx, s); err != nil {
		g.log.Warn("persist slot failed", zap.Uint32("index", idx), zap.Error(err))
	}
	return s, true, nil
}

func (g *Garage) register(ctx context.Context, reg Registrar, s *Slot) error {
	if reg == nil {
		return nil
	}
	err := reg.FetchRobotEverywhere(ctx, s)
	if perr := g.Save(ctx, s); perr != nil {
		g.log.Warn("persist slot failed", zap.Uint32("index", s.AccountIndex()), zap.Error(perr))
	}
	if err != nil {
		return fmt.Errorf("register account %d: %w", s.AccountIndex(), err)
	}
	return nil
}

func (g *Garage) publishMarker(ctx context.Context, sec keyderiv.MasterSecret, idx uint32) {
	gk, ok := sec.(keyderiv.GarageKey)
	if !ok || g.markers == nil {
		return
	}
	sk, _, err := gk.NostrKeys()
	if err == nil {
		err = g.markers.PublishAccountMarker(ctx, sk, idx)
	}
	if err != nil {
		g.log.Warn("account marker not published", zap.Uint32("index", idx), zap.Error(err))
	}
}

// Refresh re-registers the slot with every enabled coordinator.
func (g *Garage) Refresh(ctx context.Context, reg Registrar, token string) error {
	s, err := g.Slot(token)
	if err != nil {
		return err
	}
	return g.register(ctx, reg, s)
}

// Save persists the slot.
func (g *Garage) Save(ctx context.Context, s *Slot) error {
	g.mu.RLock()
	garageID := g.garageID
	g.mu.RUnlock()
	return g.repo.SaveSlot(ctx, s.Record(garageID))
}

// SelectSlot makes token the current slot.
func (g *Garage) SelectSlot(token string) error {
	g.mu.RLock()
	_, ok := g.slots[token]
	g.mu.RUnlock()
	if !ok {
		return errs.ErrNotFound
	}
	g.selectToken(token)
	return nil
}

func (g *Garage) selectToken(token string) {
	g.mu.Lock()
	changed := g.current != token
	g.current = token
	g.mu.Unlock()
	if changed {
		g.fire(Event{Kind: SlotSelected, Token: token})
	}
}

// Current returns the selected slot.
func (g *Garage) Current() (*Slot, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	s, ok := g.slots[g.current]
	return s, ok
}

// Slot returns the slot for token.
func (g *Garage) Slot(token string) (*Slot, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	s, ok := g.slots[token]
	if !ok {
		return nil, errs.ErrNotFound
	}
	return s, nil
}

// Slots returns all slots ordered by account index.
func (g *Garage) Slots() []*Slot {
	g.mu.RLock()
	out := make([]*Slot, 0, len(g.slots))
	for _, s := range g.slots {
		out = append(out, s)
	}
	g.mu.RUnlock()
	slices.SortFunc(out, func(a, b *Slot) int { return int(a.AccountIndex()) - int(b.AccountIndex()) })
	return out
}

// SlotByNostrPubkey finds the slot owning a nostr pubkey.
func (g *Garage) SlotByNostrPubkey(pk string) (*Slot, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	for _, s := range g.slots {
		if s.NostrPubkey() == pk {
			return s, true
		}
	}
	return nil, false
}

// NextAccount selects the next existing account above the current one, creating
// a new identity when there is none.
func (g *Garage) NextAccount(ctx context.Context, reg Registrar) (*Slot, error) {
	g.mu.RLock()
	sec := g.secret
	g.mu.RUnlock()
	if sec == nil {
		return nil, errs.ErrNoSecret
	}
	if _, legacy := sec.(keyderiv.LegacyToken); legacy {
		return nil, fmt.Errorf("legacy token has a single account: %w", errs.ErrInvalidSecretFormat)
	}
	cur, ok := g.Current()
	for _, s := range g.Slots() {
		if !ok || s.AccountIndex() > cur.AccountIndex() {
			g.selectToken(s.Token())
			return s, nil
		}
	}
	return g.CreateIdentity(ctx, reg)
}

// PreviousAccount selects the closest existing account below the current one.
// At the lowest account it is a no-op.
func (g *Garage) PreviousAccount() (*Slot, error) {
	cur, ok := g.Current()
	if !ok {
		return nil, errs.ErrNotFound
	}
	slots := g.Slots()
	for i := len(slots) - 1; i >= 0; i-- {
		if slots[i].AccountIndex() < cur.AccountIndex() {
			g.selectToken(slots[i].Token())
			return slots[i], nil
		}
	}
	return cur, nil
}

// DeleteSlot forgets a slot locally. Its account index is never reused.
func (g *Garage) DeleteSlot(ctx context.Context, token string) error {
	g.mu.Lock()
	s, ok := g.slots[token]
	if !ok {
		g.mu.Unlock()
		return errs.ErrNotFound
	}
	delete(g.slots, token)
	garageID := g.garageID
	reselect := g.current == token
	if reselect {
		g.current = ""
		var best *Slot
		for _, o := range g.slots {
			if best == nil || o.AccountIndex() > best.AccountIndex() {
				best = o
			}
		}
		if best != nil {
			g.current = best.Token()
		}
	}
	current := g.current
	g.mu.Unlock()

	if err := g.repo.DeleteSlot(ctx, garageID, s.AccountIndex()); err != nil && !errors.Is(err, errs.ErrNotFound) {
		g.log.Warn("delete persisted slot failed", zap.Uint32("index", s.AccountIndex()), zap.Error(err))
	}
	g.fire(Event{Kind: SlotRemoved, Token: token})
	if reselect && current != "" {
		g.fire(Event{Kind: SlotSelected, Token: current})
	}
	return nil
}

// WipeSecret forgets the secret and every slot, locally only.
func (g *Garage) WipeSecret(ctx context.Context) error {
	g.mu.Lock()
	garageID := g.garageID
	g.secret = nil
	g.garageID = ""
	g.slots = make(map[string]*Slot)
	g.current = ""
	g.nextIndex = 0
	g.mu.Unlock()

	var firstErr error
	if garageID != "" {
		firstErr = g.repo.WipeGarage(ctx, garageID)
	}
	if g.store != nil {
		if err := g.store.Wipe(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	g.fire(Event{Kind: SecretChanged})
	return firstErr
}

// NextIndex is the account index the next CreateIdentity will use.
func (g *Garage) NextIndex() uint32 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.nextIndex
}

func (g *Garage) currentSecret() keyderiv.MasterSecret {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.secret
}

var _ federation.RobotTarget = (*Slot)(nil)
