package store

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
)

// Preferences is a small durable key/value area next to the log queue.
type Preferences struct {
	db *sql.DB
}

func (s *Store) Preferences() *Preferences {
	return &Preferences{db: s.db}
}

// String returns the value stored under key and whether it was set.
func (p *Preferences) String(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := p.db.QueryRowContext(ctx, `SELECT value FROM preferences WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, &StorageError{Op: "read preference", Err: err}
	}
	return value, true, nil
}

func (p *Preferences) SetString(ctx context.Context, key, value string) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO preferences (key, value) VALUES (?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return &StorageError{Op: "write preference", Err: err}
	}
	return nil
}

func (p *Preferences) Bool(ctx context.Context, key string) (bool, error) {
	value, ok, err := p.String(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return false, &StorageError{Op: "read preference", Err: err}
	}
	return b, nil
}

func (p *Preferences) SetBool(ctx context.Context, key string, value bool) error {
	return p.SetString(ctx, key, strconv.FormatBool(value))
}
