package garage

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/and161185/robosync/internal/crypto/clientcrypto"
	"github.com/and161185/robosync/internal/errs"
	"github.com/and161185/robosync/internal/keyderiv"
	"github.com/and161185/robosync/internal/model"
)

// sealedPrefix marks a passphrase-protected secret export.
const sealedPrefix = "robosec1:"

// RecoveryResult summarizes a recovery scan. Found is zero when nothing was recovered.
type RecoveryResult struct {
	Found   int
	Indices []uint32
	Scanned uint32
}

// RecoverFromRelays scans account indices from 0 and adopts every active one.
// An index is active when the relay network holds an account marker for it or a
// coordinator knows the robot with an order history; slots already in the garage
// always count. The scan ends after the configured number of consecutive inactive
// indices. Running it again yields the same slots.
func (g *Garage) RecoverFromRelays(ctx context.Context, reg Registrar) (RecoveryResult, error) {
	sec := g.currentSecret()
	if sec == nil {
		return RecoveryResult{}, errs.ErrNoSecret
	}
	markers := g.loadMarkers(ctx, sec)
	_, legacy := sec.(keyderiv.LegacyToken)

	// a marker proves its account exists, so the scan always reaches the highest one
	var lastMarked uint32
	marked := false
	for idx, ok := range markers {
		if ok && (!marked || idx > lastMarked) {
			lastMarked, marked = idx, true
		}
	}

	var res RecoveryResult
	for idx, empty := uint32(0), 0; empty < g.gap || (marked && idx <= lastMarked); idx++ {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if legacy && idx > 0 {
			break
		}
		res.Scanned++

		active, err := g.scanIndex(ctx, reg, sec, idx, markers[idx])
		if err != nil {
			return res, err
		}
		if !active {
			empty++
			continue
		}
		empty = 0
		res.Indices = append(res.Indices, idx)
	}
	res.Found = len(res.Indices)

	if res.Found == 0 {
		g.log.Info("recovery found no accounts", zap.Uint32("scanned", res.Scanned), zap.Error(errs.ErrRecoveryExhausted))
		return res, nil
	}
	if last := g.slotAt(res.Indices[res.Found-1]); last != nil {
		g.selectToken(last.Token())
	}
	g.log.Info("recovery finished", zap.Int("found", res.Found), zap.Uint32("scanned", res.Scanned))
	return res, nil
}

// scanIndex decides whether idx is active. Known slots are active and refreshed in
// place; unknown indices are checked on a detached slot that is adopted on success.
func (g *Garage) scanIndex(ctx context.Context, reg Registrar, sec keyderiv.MasterSecret, idx uint32, marked bool) (bool, error) {
	id, err := keyderiv.Derive(sec, idx)
	if err != nil {
		return false, err
	}
	s, err := g.Slot(id.Token)
	known := err == nil
	if !known {
		s = newSlot(id, g.now, nil)
	}
	if reg != nil {
		if err := reg.FetchRobotEverywhere(ctx, s); err != nil {
			g.log.Debug("recovery scan incomplete", zap.Uint32("index", idx), zap.Error(err))
		}
	}
	switch {
	case known:
		if reg != nil {
			if err := g.Save(ctx, s); err != nil {
				g.log.Warn("persist slot failed", zap.Uint32("index", idx), zap.Error(err))
			}
		}
		return true, nil
	case marked || hasHistory(s):
		g.adoptScanned(ctx, s)
		return true, nil
	}
	return false, nil
}

func hasHistory(s *Slot) bool {
	for _, r := range s.Robots() {
		if r.Found && (r.ActiveOrderID > 0 || r.LastOrderID > 0) {
			return true
		}
	}
	return false
}

// adoptScanned inserts a detached scan slot so its coordinator records are kept.
func (g *Garage) adoptScanned(ctx context.Context, s *Slot) {
	g.mu.Lock()
	if _, ok := g.slots[s.Token()]; ok {
		g.mu.Unlock()
		return
	}
	s.changed = g.slotChanged
	g.slots[s.Token()] = s
	if s.AccountIndex()+1 > g.nextIndex {
		g.nextIndex = s.AccountIndex() + 1
	}
	g.mu.Unlock()
	g.fire(Event{Kind: SlotAdded, Token: s.Token()})
	if err := g.Save(ctx, s); err != nil {
		g.log.Warn("persist slot failed", zap.Uint32("index", s.AccountIndex()), zap.Error(err))
	}
}

func (g *Garage) slotAt(idx uint32) *Slot {
	for _, s := range g.Slots() {
		if s.AccountIndex() == idx {
			return s
		}
	}
	return nil
}

func (g *Garage) loadMarkers(ctx context.Context, sec keyderiv.MasterSecret) map[uint32]bool {
	gk, ok := sec.(keyderiv.GarageKey)
	if !ok || g.markers == nil {
		return nil
	}
	sk, _, err := gk.NostrKeys()
	if err != nil {
		return nil
	}
	m, err := g.markers.AccountMarkers(ctx, sk)
	if err != nil {
		g.log.Warn("account markers unavailable, probing coordinators only", zap.Error(err))
		return nil
	}
	return m
}

// ExportSecret returns the encoded secret, sealed under passphrase when one is given.
func (g *Garage) ExportSecret(passphrase string) (string, error) {
	sec := g.currentSecret()
	if sec == nil {
		return "", errs.ErrNoSecret
	}
	if passphrase == "" {
		return sec.Encode(), nil
	}
	blob, err := clientcrypto.SealWithPassphrase([]byte(passphrase), []byte(sec.Encode()))
	if err != nil {
		return "", fmt.Errorf("seal export: %w", err)
	}
	return sealedPrefix + base64.RawURLEncoding.EncodeToString(blob), nil
}

// ImportSecret installs an exported secret. A malformed blob leaves the garage untouched.
func (g *Garage) ImportSecret(ctx context.Context, blob, passphrase string) error {
	s, err := openExport(blob, passphrase)
	if err != nil {
		return err
	}
	return g.SetMasterSecret(ctx, s)
}

func openExport(blob, passphrase string) (string, error) {
	blob = strings.TrimSpace(blob)
	if !strings.HasPrefix(blob, sealedPrefix) {
		return blob, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimPrefix(blob, sealedPrefix))
	if err != nil {
		return "", fmt.Errorf("sealed export: %w", errs.ErrInvalidKeyFormat)
	}
	plain, err := clientcrypto.OpenWithPassphrase([]byte(passphrase), raw)
	if err != nil {
		return "", fmt.Errorf("%w: %w", errs.ErrInvalidKeyFormat, errs.ErrDecryptionFailure)
	}
	return string(plain), nil
}

// Identities lists the nostr identity of every slot, for relay subscriptions.
func (g *Garage) Identities() []model.Identity {
	slots := g.Slots()
	out := make([]model.Identity, 0, len(slots))
	for _, s := range slots {
		out = append(out, model.Identity{Token: s.Token(), NostrPubkey: s.NostrPubkey(), NostrSecret: s.NostrSecret()})
	}
	return out
}
