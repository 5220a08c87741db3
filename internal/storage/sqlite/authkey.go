package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	rpcgate "github.com/rpcgate/rpcgate/internal"
)

// CreateKey inserts a new opaque API key.
func (s *Store) CreateKey(ctx context.Context, key *rpcgate.AuthKey) error {
	origins, err := marshalJSON(key.AllowedOrigins)
	if err != nil {
		return err
	}
	_, err = s.write.ExecContext(ctx,
		`INSERT INTO auth_keys (id, key_hash, key_prefix, rpm, burst, max_concurrent,
		 log_revert_chance, allowed_origins, blocked, expires_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		key.ID, key.KeyHash, key.KeyPrefix, key.RPM, key.Burst, key.MaxConcurrent,
		key.LogRevertChance, origins, boolToInt(key.Blocked),
		timeToStr(key.ExpiresAt), key.CreatedAt.UTC().Format(time.RFC3339),
	)
	return err
}

// GetKeyByHash retrieves an auth key by its SHA-256 hash.
func (s *Store) GetKeyByHash(ctx context.Context, hash string) (*rpcgate.AuthKey, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT id, key_hash, key_prefix, rpm, burst, max_concurrent,
		 log_revert_chance, allowed_origins, blocked, expires_at, created_at
		 FROM auth_keys WHERE key_hash = ?`, hash,
	)
	return scanKey(row)
}

// ListKeys returns auth keys in creation order, most recent first.
func (s *Store) ListKeys(ctx context.Context, offset, limit int) ([]*rpcgate.AuthKey, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT id, key_hash, key_prefix, rpm, burst, max_concurrent,
		 log_revert_chance, allowed_origins, blocked, expires_at, created_at
		 FROM auth_keys ORDER BY created_at DESC LIMIT ? OFFSET ?`,
		limit, offset,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []*rpcgate.AuthKey
	for rows.Next() {
		k, err := scanKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// UpdateKey updates an existing auth key's mutable fields.
func (s *Store) UpdateKey(ctx context.Context, key *rpcgate.AuthKey) error {
	origins, err := marshalJSON(key.AllowedOrigins)
	if err != nil {
		return err
	}
	result, err := s.write.ExecContext(ctx,
		`UPDATE auth_keys SET rpm=?, burst=?, max_concurrent=?, log_revert_chance=?,
		 allowed_origins=?, blocked=?, expires_at=? WHERE id=?`,
		key.RPM, key.Burst, key.MaxConcurrent, key.LogRevertChance,
		origins, boolToInt(key.Blocked), timeToStr(key.ExpiresAt), key.ID,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "auth key")
}

// DeleteKey removes an auth key.
func (s *Store) DeleteKey(ctx context.Context, id string) error {
	result, err := s.write.ExecContext(ctx, `DELETE FROM auth_keys WHERE id=?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "auth key")
}

// TouchKeyUsed updates the last_used_at timestamp, fire-and-forget from the
// authenticator's hot path.
func (s *Store) TouchKeyUsed(ctx context.Context, id string) error {
	_, err := s.write.ExecContext(ctx,
		`UPDATE auth_keys SET last_used_at=? WHERE id=?`,
		time.Now().UTC().Format(time.RFC3339), id,
	)
	return err
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

// notFoundErr translates sql.ErrNoRows to rpcgate.ErrNotFound.
func notFoundErr(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return rpcgate.ErrNotFound
	}
	return err
}

func scanKey(sc scanner) (*rpcgate.AuthKey, error) {
	var k rpcgate.AuthKey
	var originsJSON sql.NullString
	var expiresAt, createdAt sql.NullString
	var blocked int

	err := sc.Scan(
		&k.ID, &k.KeyHash, &k.KeyPrefix, &k.RPM, &k.Burst, &k.MaxConcurrent,
		&k.LogRevertChance, &originsJSON, &blocked, &expiresAt, &createdAt,
	)
	if err != nil {
		return nil, notFoundErr(err)
	}

	k.Blocked = blocked != 0
	origins, err := unmarshalStringSlice(originsJSON)
	if err != nil {
		return nil, err
	}
	k.AllowedOrigins = origins
	k.ExpiresAt = parseTime(expiresAt)
	if t := parseTime(createdAt); t != nil {
		k.CreatedAt = *t
	}
	return &k, nil
}

// helpers

func marshalJSON(v any) (sql.NullString, error) {
	if s, ok := v.([]string); ok && len(s) == 0 {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func unmarshalStringSlice(ns sql.NullString) ([]string, error) {
	if !ns.Valid {
		return nil, nil
	}
	var s []string
	if err := json.Unmarshal([]byte(ns.String), &s); err != nil {
		return nil, fmt.Errorf("unmarshal string slice: %w", err)
	}
	return s, nil
}

func timeToStr(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339), Valid: true}
}

func parseTime(ns sql.NullString) *time.Time {
	if !ns.Valid {
		return nil
	}
	t, err := time.Parse(time.RFC3339, ns.String)
	if err != nil {
		return nil
	}
	return &t
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullStr(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func checkRowsAffected(result sql.Result, entity string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", entity, rpcgate.ErrNotFound)
	}
	return nil
}
