package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/petervdpas/goopcall/internal/records"
)

const timeLayout = time.RFC3339Nano

// CallStore exposes the calls table as a records.Store.
type CallStore struct {
	d *DB
}

var _ records.Store = (*CallStore)(nil)

func (d *DB) Calls() *CallStore { return &CallStore{d: d} }

func (s *CallStore) Create(ctx context.Context, callerID, calleeID, chatID string) (records.Record, error) {
	if callerID == "" || calleeID == "" {
		return records.Record{}, fmt.Errorf("%w: caller and callee are required", records.ErrInvalidRecord)
	}
	if callerID == calleeID {
		return records.Record{}, fmt.Errorf("%w: caller and callee must differ", records.ErrInvalidRecord)
	}
	rec := records.Record{
		ID:        uuid.NewString(),
		ChatID:    chatID,
		CallerID:  callerID,
		CalleeID:  calleeID,
		Status:    records.StatusInitiated,
		CreatedAt: time.Now().UTC(),
	}

	s.d.mu.Lock()
	_, err := s.d.db.ExecContext(ctx, `
		INSERT INTO calls (id, chat_id, caller_id, callee_id, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.ChatID, rec.CallerID, rec.CalleeID, string(rec.Status), rec.CreatedAt.Format(timeLayout),
	)
	s.d.mu.Unlock()
	if err != nil {
		return records.Record{}, fmt.Errorf("insert call: %w", err)
	}

	s.d.inserts.Publish(rec)
	return rec, nil
}

func (s *CallStore) Import(ctx context.Context, rec records.Record) (bool, error) {
	if err := rec.Validate(); err != nil {
		return false, err
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	rec.CreatedAt = rec.CreatedAt.UTC()

	s.d.mu.Lock()
	res, err := s.d.db.ExecContext(ctx, `
		INSERT INTO calls (id, chat_id, caller_id, callee_id, status, start_time, end_time, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		rec.ID, rec.ChatID, rec.CallerID, rec.CalleeID, string(rec.Status),
		formatTime(rec.StartTime), formatTime(rec.EndTime), rec.CreatedAt.Format(timeLayout),
	)
	s.d.mu.Unlock()
	if err != nil {
		return false, fmt.Errorf("import call: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return false, nil
	}

	s.d.inserts.Publish(rec)
	return true, nil
}

// UpdateStatus reads, checks and writes inside one transaction so two
// concurrent writers cannot both move the same row out of a status.
func (s *CallStore) UpdateStatus(ctx context.Context, id string, to records.Status, at time.Time) error {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()

	tx, err := s.d.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	rec, err := scanRecord(tx.QueryRowContext(ctx, selectCall+` WHERE id = ?`, id))
	if err != nil {
		return err
	}
	if err := rec.Apply(to, at.UTC()); err != nil {
		return fmt.Errorf("%s -> %s: %w", rec.Status, to, err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE calls SET status = ?, start_time = ?, end_time = ? WHERE id = ?`,
		string(rec.Status), formatTime(rec.StartTime), formatTime(rec.EndTime), id,
	); err != nil {
		return fmt.Errorf("update call: %w", err)
	}
	return tx.Commit()
}

func (s *CallStore) Get(ctx context.Context, id string) (records.Record, error) {
	s.d.mu.RLock()
	defer s.d.mu.RUnlock()
	return scanRecord(s.d.db.QueryRowContext(ctx, selectCall+` WHERE id = ?`, id))
}

func (s *CallStore) History(ctx context.Context, chatID string, limit int) ([]records.Record, error) {
	if limit <= 0 {
		limit = -1
	}
	s.d.mu.RLock()
	defer s.d.mu.RUnlock()

	rows, err := s.d.db.QueryContext(ctx,
		selectCall+` WHERE chat_id = ? ORDER BY created_at DESC LIMIT ?`, chatID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []records.Record{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *CallStore) SubscribeInserts(calleeID string) (<-chan records.Record, func()) {
	return s.d.inserts.Subscribe(calleeID)
}

const selectCall = `SELECT id, chat_id, caller_id, callee_id, status, start_time, end_time, created_at FROM calls`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (records.Record, error) {
	var (
		rec              records.Record
		status, created  string
		startStr, endStr sql.NullString
	)
	err := row.Scan(&rec.ID, &rec.ChatID, &rec.CallerID, &rec.CalleeID, &status, &startStr, &endStr, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return records.Record{}, records.ErrNotFound
	}
	if err != nil {
		return records.Record{}, err
	}
	rec.Status = records.Status(status)
	if rec.CreatedAt, err = time.Parse(timeLayout, created); err != nil {
		return records.Record{}, fmt.Errorf("parse created_at: %w", err)
	}
	if rec.StartTime, err = parseTime(startStr); err != nil {
		return records.Record{}, err
	}
	if rec.EndTime, err = parseTime(endStr); err != nil {
		return records.Record{}, err
	}
	return rec, nil
}

func formatTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(timeLayout)
}

func parseTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	t, err := time.Parse(timeLayout, s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
