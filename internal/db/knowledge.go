package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
)

// KeyAuthorizedMembers holds the JSON list of member usernames allowed to
// teach the bot, on top of the configured list.
const KeyAuthorizedMembers = "authorized_members"

// Repository is the key/value store for knowledge entries and member lists.
type Repository interface {
	Get(ctx context.Context, key string) (string, error)
	Put(ctx context.Context, key, value string) error
}

// Get returns the value for key, or ErrNotFound.
func (s *Store) Get(ctx context.Context, key string) (string, error) {
	var value string
	err := s.Reader.QueryRowContext(ctx, `SELECT value FROM knowledge WHERE key = ?`, key).Scan(&value)
	if err != nil {
		if err == sql.ErrNoRows {
			return "", fmt.Errorf("knowledge %q: %w", key, ErrNotFound)
		}
		return "", fmt.Errorf("get knowledge %q: %w", key, err)
	}
	return value, nil
}

// Put inserts or replaces the value for key.
func (s *Store) Put(ctx context.Context, key, value string) error {
	_, err := s.Writer.ExecContext(ctx, `
INSERT INTO knowledge(key, value) VALUES(?, ?)
ON CONFLICT(key) DO UPDATE SET value = excluded.value,
    updated_at = strftime('%Y-%m-%dT%H:%M:%SZ', 'now')`, key, value)
	if err != nil {
		return fmt.Errorf("put knowledge %q: %w", key, err)
	}
	return nil
}

// ListKnowledgeKeys returns stored keys with the given prefix, sorted.
func (s *Store) ListKnowledgeKeys(ctx context.Context, prefix string) ([]string, error) {
	rows, err := s.Reader.QueryContext(ctx,
		`SELECT key FROM knowledge WHERE key LIKE ? ORDER BY key ASC`, prefix+"%")
	if err != nil {
		return nil, fmt.Errorf("list knowledge keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("scan knowledge key: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// AuthorizedMembers merges the configured usernames with the ones stored in
// repo under KeyAuthorizedMembers. Usernames are compared without a leading
// "@" and case-insensitively.
func AuthorizedMembers(ctx context.Context, repo Repository, configured []string) ([]string, error) {
	seen := make(map[string]struct{})
	var out []string
	add := func(name string) {
		n := NormalizeUsername(name)
		if n == "" {
			return
		}
		if _, ok := seen[n]; ok {
			return
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	for _, name := range configured {
		add(name)
	}

	raw, err := repo.Get(ctx, KeyAuthorizedMembers)
	switch {
	case err == nil:
		var stored []string
		if err := json.Unmarshal([]byte(raw), &stored); err != nil {
			return out, fmt.Errorf("decode %s: %w", KeyAuthorizedMembers, err)
		}
		for _, name := range stored {
			add(name)
		}
	case !errors.Is(err, ErrNotFound):
		return out, err
	}
	slices.Sort(out)
	return out, nil
}

func NormalizeUsername(name string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(name), "@"))
}
