package postgres

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/and161185/robosync/internal/errs"
	"github.com/and161185/robosync/internal/model"
)

// SlotRepo implements SlotRepository using PostgreSQL.
type SlotRepo struct{ db *DB }

// NewSlotRepo constructs a slot repository.
func NewSlotRepo(db *DB) *SlotRepo { return &SlotRepo{db: db} }

// SaveSlot upserts the slot row and replaces its robots in one transaction.
func (r *SlotRepo) SaveSlot(ctx context.Context, rec model.SlotRecord) (err error) {
	tx, err := r.db.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
			return
		}
		if e := tx.Commit(ctx); e != nil {
			err = e
		}
	}()

	const upsert = `
INSERT INTO slots (garage_id, account_index, token_sha256, nostr_pubkey, active_short_alias, last_short_alias, deleted, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,false,$7,$8)
ON CONFLICT (garage_id, account_index) DO UPDATE SET
token_sha256=EXCLUDED.token_sha256, nostr_pubkey=EXCLUDED.nostr_pubkey,
active_short_alias=EXCLUDED.active_short_alias, last_short_alias=EXCLUDED.last_short_alias,
deleted=false, updated_at=EXCLUDED.updated_at`
	const del = `DELETE FROM robots WHERE garage_id=$1 AND account_index=$2`
	const ins = `
INSERT INTO robots (garage_id, account_index, short_alias, nickname, hash_id, active_order_id, last_order_id, earned_rewards, stealth_invoice, found, last_login, last_error, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`

	idx := int64(rec.AccountIndex)
	if _, err = tx.Exec(ctx, upsert, rec.GarageID, idx, rec.TokenSHA256, rec.NostrPubkey,
		rec.ActiveShortAlias, rec.LastShortAlias, rec.CreatedAt, rec.UpdatedAt); err != nil {
		return err
	}
	if _, err = tx.Exec(ctx, del, rec.GarageID, idx); err != nil {
		return err
	}
	for _, rb := range rec.Robots {
		if _, err = tx.Exec(ctx, ins, rec.GarageID, idx, rb.ShortAlias, rb.Nickname, rb.HashID,
			rb.ActiveOrderID, rb.LastOrderID, rb.EarnedRewards, rb.StealthInvoice, rb.Found,
			nullTime(rb.LastLogin), rb.LastError, rb.UpdatedAt); err != nil {
			return err
		}
	}
	return nil
}

// ListSlots returns live slots with their robots, ordered by account index.
func (r *SlotRepo) ListSlots(ctx context.Context, garageID string) ([]model.SlotRecord, error) {
	const qs = `
SELECT account_index, token_sha256, nostr_pubkey, active_short_alias, last_short_alias, created_at, updated_at
FROM slots
WHERE garage_id=$1 AND deleted=false
ORDER BY account_index ASC`
	rows, err := r.db.Pool.Query(ctx, qs, garageID)
	if err != nil {
		return nil, err
	}
	var (
		out []model.SlotRecord
		pos = map[uint32]int{}
	)
	for rows.Next() {
		var (
			idx int64
			rec = model.SlotRecord{GarageID: garageID}
		)
		if err = rows.Scan(&idx, &rec.TokenSHA256, &rec.NostrPubkey, &rec.ActiveShortAlias,
			&rec.LastShortAlias, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
			rows.Close()
			return nil, err
		}
		rec.AccountIndex = uint32(idx)
		pos[rec.AccountIndex] = len(out)
		out = append(out, rec)
	}
	rows.Close()
	if err = rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return out, nil
	}

	const qr = `
SELECT account_index, short_alias, nickname, hash_id, active_order_id, last_order_id, earned_rewards, stealth_invoice, found, last_login, last_error, updated_at
FROM robots
WHERE garage_id=$1
ORDER BY account_index ASC, short_alias ASC`
	rows, err = r.db.Pool.Query(ctx, qr, garageID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			idx   int64
			rb    model.Robot
			login *time.Time
		)
		if err = rows.Scan(&idx, &rb.ShortAlias, &rb.Nickname, &rb.HashID, &rb.ActiveOrderID,
			&rb.LastOrderID, &rb.EarnedRewards, &rb.StealthInvoice, &rb.Found, &login,
			&rb.LastError, &rb.UpdatedAt); err != nil {
			return nil, err
		}
		if login != nil {
			rb.LastLogin = *login
		}
		i, ok := pos[uint32(idx)]
		if !ok {
			continue // robots of a tombstoned slot
		}
		out[i].Robots = append(out[i].Robots, rb)
	}
	return out, rows.Err()
}

// DeleteSlot tombstones a slot and drops its robots.
func (r *SlotRepo) DeleteSlot(ctx context.Context, garageID string, accountIndex uint32) (err error) {
	tx, err := r.db.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
			return
		}
		if e := tx.Commit(ctx); e != nil {
			err = e
		}
	}()

	const upd = `UPDATE slots SET deleted=true, updated_at=now() WHERE garage_id=$1 AND account_index=$2 AND deleted=false`
	const del = `DELETE FROM robots WHERE garage_id=$1 AND account_index=$2`

	tag, err := tx.Exec(ctx, upd, garageID, int64(accountIndex))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrNotFound
	}
	_, err = tx.Exec(ctx, del, garageID, int64(accountIndex))
	return err
}

// NextAccountIndex returns one past the highest index ever saved for the garage.
func (r *SlotRepo) NextAccountIndex(ctx context.Context, garageID string) (uint32, error) {
	const q = `SELECT COALESCE(MAX(account_index)+1,0) FROM slots WHERE garage_id=$1`
	var v int64
	if err := r.db.Pool.QueryRow(ctx, q, garageID).Scan(&v); err != nil {
		return 0, err
	}
	return uint32(v), nil
}

// WipeGarage removes all rows of a garage.
func (r *SlotRepo) WipeGarage(ctx context.Context, garageID string) (err error) {
	tx, err := r.db.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
			return
		}
		if e := tx.Commit(ctx); e != nil {
			err = e
		}
	}()

	if _, err = tx.Exec(ctx, `DELETE FROM robots WHERE garage_id=$1`, garageID); err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `DELETE FROM slots WHERE garage_id=$1`, garageID)
	return err
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
