package garage

import (
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/and161185/robosync/internal/coordinator"
	"github.com/and161185/robosync/internal/keyderiv"
	"github.com/and161185/robosync/internal/model"
)

// Slot is one derived identity and its state at every coordinator.
// It is safe for concurrent use; federation fan-out writes sub-records in parallel.
type Slot struct {
	id      keyderiv.DerivationResult
	changed func(*Slot)
	now     func() time.Time

	mu          sync.RWMutex
	robots      map[string]*model.Robot
	activeAlias string
	lastAlias   string
	order       *model.Order
	createdAt   time.Time
	updatedAt   time.Time
}

func newSlot(id keyderiv.DerivationResult, now func() time.Time, changed func(*Slot)) *Slot {
	t := now()
	return &Slot{
		id:        id,
		changed:   changed,
		now:       now,
		robots:    make(map[string]*model.Robot),
		createdAt: t,
		updatedAt: t,
	}
}

func (s *Slot) Token() string        { return s.id.Token }
func (s *Slot) AccountIndex() uint32 { return s.id.AccountIndex }
func (s *Slot) TokenSHA256() string  { return s.id.TokenSHA256 }
func (s *Slot) NostrPubkey() string  { return s.id.NostrPublic }
func (s *Slot) NostrSecret() string  { return s.id.NostrSecret }

// Credentials implements federation.RobotTarget.
func (s *Slot) Credentials() coordinator.Credentials {
	return coordinator.Credentials{
		TokenSHA256:      s.id.TokenSHA256,
		PublicKey:        s.id.Keys.Public,
		EncryptedPrivate: s.id.Keys.EncryptedPrivate,
		NostrPubkey:      s.id.NostrPublic,
		Sign: func(message string) (string, error) {
			return keyderiv.SignCleartext(s.id.Token, s.id.Keys.EncryptedPrivate, message)
		},
	}
}

// SetLoading implements federation.RobotTarget.
func (s *Slot) SetLoading(alias string) {
	s.mu.Lock()
	r := s.robotLocked(alias)
	r.Loading = true
	s.mu.Unlock()
}

// ApplyRobot implements federation.RobotTarget. A failure only touches the
// coordinator's own sub-record.
func (s *Slot) ApplyRobot(alias string, p model.RobotPatch, err error) {
	s.mu.Lock()
	now := s.now()
	r := s.robotLocked(alias)
	r.Loading = false
	r.UpdatedAt = now
	if err != nil {
		r.LastError = err.Error()
	} else {
		r.LastError = ""
		r.Nickname = p.Nickname
		r.HashID = p.HashID
		r.ActiveOrderID = p.ActiveOrderID
		r.LastOrderID = p.LastOrderID
		r.EarnedRewards = p.EarnedRewards
		r.StealthInvoice = p.StealthInvoice
		r.Found = r.Found || p.Found
		r.LastLogin = p.LastLogin
		switch {
		case p.ActiveOrderID > 0:
			s.activeAlias = alias
		case p.LastOrderID > 0:
			s.lastAlias = alias
			if s.activeAlias == alias {
				s.activeAlias = ""
			}
		}
	}
	s.updatedAt = now
	s.mu.Unlock()
	s.notify()
}

func (s *Slot) robotLocked(alias string) *model.Robot {
	r, ok := s.robots[alias]
	if !ok {
		r = &model.Robot{ShortAlias: alias}
		s.robots[alias] = r
	}
	return r
}

func (s *Slot) notify() {
	if s.changed != nil {
		s.changed(s)
	}
}

// Robot returns the sub-record for a coordinator.
func (s *Slot) Robot(alias string) (model.Robot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.robots[alias]
	if !ok {
		return model.Robot{}, false
	}
	return *r, true
}

// Robots returns copies of all sub-records ordered by alias.
func (s *Slot) Robots() []model.Robot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Robot, 0, len(s.robots))
	for _, alias := range slices.Sorted(maps.Keys(s.robots)) {
		out = append(out, *s.robots[alias])
	}
	return out
}

// Nickname returns the first nickname any coordinator assigned.
func (s *Slot) Nickname() string {
	for _, r := range s.Robots() {
		if r.Nickname != "" {
			return r.Nickname
		}
	}
	return ""
}

// Found reports whether any coordinator knew this robot before.
func (s *Slot) Found() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.robots {
		if r.Found {
			return true
		}
	}
	return false
}

// Loading reports whether any registration is in flight.
func (s *Slot) Loading() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.robots {
		if r.Loading {
			return true
		}
	}
	return false
}

// ActiveShortAlias is the coordinator holding the robot's active order.
func (s *Slot) ActiveShortAlias() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.activeAlias
}

// LastShortAlias is the coordinator holding the robot's last finished order.
func (s *Slot) LastShortAlias() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastAlias
}

// ActiveOrder returns the alias and id of the order to track, if any.
func (s *Slot) ActiveOrder() (alias string, id int64, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.activeAlias == "" {
		return "", 0, false
	}
	r, found := s.robots[s.activeAlias]
	if !found || r.ActiveOrderID == 0 {
		return "", 0, false
	}
	return s.activeAlias, r.ActiveOrderID, true
}

// Order returns the last known state of the slot's current order.
func (s *Slot) Order() (model.Order, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.order == nil {
		return model.Order{}, false
	}
	return *s.order, true
}

// SetOrder stores an order update. Terminal orders move to the last-order slot.
func (s *Slot) SetOrder(o model.Order) {
	s.mu.Lock()
	s.order = &o
	r := s.robotLocked(o.ShortAlias)
	if o.Status.IsTerminal() {
		if r.ActiveOrderID == o.ID {
			r.ActiveOrderID = 0
		}
		r.LastOrderID = o.ID
		s.lastAlias = o.ShortAlias
		if s.activeAlias == o.ShortAlias {
			s.activeAlias = ""
		}
	} else {
		r.ActiveOrderID = o.ID
		s.activeAlias = o.ShortAlias
	}
	s.updatedAt = s.now()
	s.mu.Unlock()
	s.notify()
}

// Record returns the persisted form of the slot.
func (s *Slot) Record(garageID string) model.SlotRecord {
	s.mu.RLock()
	rec := model.SlotRecord{
		GarageID:         garageID,
		AccountIndex:     s.id.AccountIndex,
		TokenSHA256:      s.id.TokenSHA256,
		NostrPubkey:      s.id.NostrPublic,
		ActiveShortAlias: s.activeAlias,
		LastShortAlias:   s.lastAlias,
		CreatedAt:        s.createdAt,
		UpdatedAt:        s.updatedAt,
	}
	s.mu.RUnlock()
	rec.Robots = s.Robots()
	return rec
}

// restore loads persisted sub-records. In-flight flags are not persisted.
func (s *Slot) restore(rec model.SlotRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activeAlias = rec.ActiveShortAlias
	s.lastAlias = rec.LastShortAlias
	if !rec.CreatedAt.IsZero() {
		s.createdAt = rec.CreatedAt
	}
	if !rec.UpdatedAt.IsZero() {
		s.updatedAt = rec.UpdatedAt
	}
	for _, r := range rec.Robots {
		r.Loading = false
		s.robots[r.ShortAlias] = &r
	}
}
