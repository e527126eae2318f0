package longterm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is a PostgreSQL implementation of the long-term store.
//
// Expected table:
//
//	CREATE TABLE store_entries (
//	    namespace  TEXT        NOT NULL,
//	    key        TEXT        NOT NULL,
//	    value      JSONB       NOT NULL,
//	    created_at TIMESTAMPTZ NOT NULL,
//	    updated_at TIMESTAMPTZ NOT NULL,
//	    expires_at TIMESTAMPTZ,
//	    PRIMARY KEY (namespace, key)
//	)
//
// Expired rows are filtered out of every read and reclaimed on overwrite;
// bulk reclamation is left to external maintenance.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL long-term store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) Put(ctx context.Context, namespace []string, key string, value map[string]any, ttl time.Duration) error {
	if err := validateNamespace(namespace); err != nil {
		return err
	}
	if err := validateKey(key); err != nil {
		return err
	}

	valueJSON, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode value: %w", err)
	}

	now := time.Now()
	var expiresAt *time.Time
	if ttl > 0 {
		t := now.Add(ttl)
		expiresAt = &t
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO store_entries (namespace, key, value, created_at, updated_at, expires_at)
		VALUES ($1, $2, $3, $4, $4, $5)
		ON CONFLICT (namespace, key)
		DO UPDATE SET
			value = EXCLUDED.value,
			updated_at = EXCLUDED.updated_at,
			expires_at = EXCLUDED.expires_at
	`, joinPath(namespace), key, valueJSON, now, expiresAt)
	if err != nil {
		return fmt.Errorf("failed to put entry: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, namespace []string, key string) (*Entry, error) {
	if err := validateNamespace(namespace); err != nil {
		return nil, err
	}
	if err := validateKey(key); err != nil {
		return nil, err
	}

	var (
		path      string
		valueJSON []byte
		ent       Entry
		expiresAt *time.Time
	)
	err := s.pool.QueryRow(ctx, `
		SELECT namespace, key, value, created_at, updated_at, expires_at
		FROM store_entries
		WHERE namespace = $1 AND key = $2
		  AND (expires_at IS NULL OR expires_at > now())
	`, joinPath(namespace), key).Scan(
		&path,
		&ent.Key,
		&valueJSON,
		&ent.CreatedAt,
		&ent.UpdatedAt,
		&expiresAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get entry: %w", err)
	}

	ent.Namespace = splitPath(path)
	if expiresAt != nil {
		ent.ExpiresAt = *expiresAt
	}
	if err := json.Unmarshal(valueJSON, &ent.Value); err != nil {
		return nil, fmt.Errorf("failed to decode value: %w", err)
	}
	return &ent, nil
}

func (s *PostgresStore) Delete(ctx context.Context, namespace []string, key string) error {
	if err := validateNamespace(namespace); err != nil {
		return err
	}
	if err := validateKey(key); err != nil {
		return err
	}

	_, err := s.pool.Exec(ctx, `
		DELETE FROM store_entries
		WHERE namespace = $1 AND key = $2
	`, joinPath(namespace), key)
	if err != nil {
		return fmt.Errorf("failed to delete entry: %w", err)
	}
	return nil
}

func (s *PostgresStore) Search(ctx context.Context, prefix []string, q Query) ([]*Entry, error) {
	sql := `
		SELECT namespace, key, value, created_at, updated_at, expires_at
		FROM store_entries
		WHERE (expires_at IS NULL OR expires_at > now())
	`
	args := []interface{}{}
	argIdx := 1

	if len(prefix) > 0 {
		sql += fmt.Sprintf(" AND (namespace = $%d OR namespace LIKE $%d)", argIdx, argIdx+1)
		args = append(args, joinPath(prefix), escapeLike(joinPath(prefix))+pathSep+"%")
		argIdx += 2
	}

	sql += " ORDER BY namespace, key"
	if q.Limit > 0 {
		sql += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, q.Limit)
		argIdx++
	}
	if q.Offset > 0 {
		sql += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, q.Offset)
	}

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to search entries: %w", err)
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		var (
			path      string
			valueJSON []byte
			ent       Entry
			expiresAt *time.Time
		)
		if err := rows.Scan(&path, &ent.Key, &valueJSON, &ent.CreatedAt, &ent.UpdatedAt, &expiresAt); err != nil {
			return nil, fmt.Errorf("failed to scan entry: %w", err)
		}
		ent.Namespace = splitPath(path)
		if expiresAt != nil {
			ent.ExpiresAt = *expiresAt
		}
		if err := json.Unmarshal(valueJSON, &ent.Value); err != nil {
			return nil, fmt.Errorf("failed to decode value: %w", err)
		}
		entries = append(entries, &ent)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating entries: %w", err)
	}
	return entries, nil
}

func (s *PostgresStore) ListNamespaces(ctx context.Context, prefix []string) ([][]string, error) {
	sql := `
		SELECT DISTINCT namespace
		FROM store_entries
		WHERE (expires_at IS NULL OR expires_at > now())
	`
	args := []interface{}{}
	if len(prefix) > 0 {
		sql += " AND (namespace = $1 OR namespace LIKE $2)"
		args = append(args, joinPath(prefix), escapeLike(joinPath(prefix))+pathSep+"%")
	}
	sql += " ORDER BY namespace"

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list namespaces: %w", err)
	}
	defer rows.Close()

	var namespaces [][]string
	for rows.Next() {
		var path string
		if err := rows.Scan(&path); err != nil {
			return nil, fmt.Errorf("failed to scan namespace: %w", err)
		}
		namespaces = append(namespaces, splitPath(path))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating namespaces: %w", err)
	}
	return namespaces, nil
}

// escapeLike neutralizes LIKE wildcards so namespace segments containing
// % or _ match literally.
func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `%`, `\%`)
	s = strings.ReplaceAll(s, `_`, `\_`)
	return s
}
