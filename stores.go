package main

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	credentialStateKey   = "oauth2_token"
	metricsCacheStateKey = "follower_cache"
)

// KVStore is the durable key/value layer. Values are JSON documents that are
// re-serialized in full on every write.
type KVStore struct{ db *sql.DB }

type CredentialStore struct{ kv *KVStore }

type MetricsCacheStore struct{ kv *KVStore }

type RefreshStateStore struct{ db *sql.DB }

func NewKVStore(db *sql.DB) *KVStore { return &KVStore{db: db} }

func NewCredentialStore(kv *KVStore) *CredentialStore { return &CredentialStore{kv: kv} }

func NewMetricsCacheStore(kv *KVStore) *MetricsCacheStore { return &MetricsCacheStore{kv: kv} }

func NewRefreshStateStore(db *sql.DB) *RefreshStateStore { return &RefreshStateStore{db: db} }

// Put upserts key with the JSON encoding of value.
func (s *KVStore) Put(key string, value any) error {
	payload, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}

	return retryBusy(func() error {
		_, err := s.db.Exec(
			`INSERT INTO kv_state (key, value_json, updated_at)
			 VALUES (?, ?, ?)
			 ON CONFLICT(key) DO UPDATE SET
			   value_json = excluded.value_json,
			   updated_at = excluded.updated_at`,
			key,
			string(payload),
			formatTime(time.Now().UTC()),
		)
		if err != nil {
			return fmt.Errorf("save %s: %w", key, err)
		}
		return nil
	})
}

// Get decodes key into dst. It reports false when the key is absent.
func (s *KVStore) Get(key string, dst any) (bool, error) {
	var payload string
	err := s.db.QueryRow(`SELECT value_json FROM kv_state WHERE key = ?`, key).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("load %s: %w", key, err)
	}
	if err := json.Unmarshal([]byte(payload), dst); err != nil {
		return false, fmt.Errorf("parse %s: %w", key, err)
	}
	return true, nil
}

func (s *KVStore) Delete(key string) error {
	if _, err := s.db.Exec(`DELETE FROM kv_state WHERE key = ?`, key); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

func (s *CredentialStore) Load() (*Credential, error) {
	var cred Credential
	found, err := s.kv.Get(credentialStateKey, &cred)
	if err != nil || !found {
		return nil, err
	}
	if strings.TrimSpace(cred.AccessToken) == "" {
		return nil, nil
	}
	return &cred, nil
}

func (s *CredentialStore) Save(cred Credential) error {
	return s.kv.Put(credentialStateKey, cred)
}

func (s *CredentialStore) Clear() error {
	return s.kv.Delete(credentialStateKey)
}

// persistedCacheEntry is the on-disk shape of one follower-cache subject.
type persistedCacheEntry struct {
	Count       int64       `json:"count"`
	Metrics     UserMetrics `json:"metrics"`
	HasValue    bool        `json:"has_value"`
	Timestamp   string      `json:"timestamp,omitempty"`
	LastRequest string      `json:"last_request,omitempty"`
}

func (s *MetricsCacheStore) LoadEntries() (map[string]CacheEntry, error) {
	raw := map[string]persistedCacheEntry{}
	if _, err := s.kv.Get(metricsCacheStateKey, &raw); err != nil {
		return nil, err
	}

	entries := make(map[string]CacheEntry, len(raw))
	for subject, p := range raw {
		entry := CacheEntry{
			Subject:       subject,
			Metrics:       p.Metrics,
			HasValue:      p.HasValue || p.Timestamp != "",
			FetchedAt:     parseTime(p.Timestamp),
			LastRequestAt: parseTime(p.LastRequest),
		}
		if entry.Metrics.FollowersCount == 0 && p.Count != 0 {
			entry.Metrics.FollowersCount = p.Count
		}
		entries[subject] = entry
	}
	return entries, nil
}

func (s *MetricsCacheStore) SaveEntries(entries map[string]CacheEntry) error {
	raw := make(map[string]persistedCacheEntry, len(entries))
	for subject, entry := range entries {
		p := persistedCacheEntry{
			Count:    entry.Metrics.FollowersCount,
			Metrics:  entry.Metrics,
			HasValue: entry.HasValue,
		}
		if !entry.FetchedAt.IsZero() {
			p.Timestamp = formatTime(entry.FetchedAt)
		}
		if !entry.LastRequestAt.IsZero() {
			p.LastRequest = formatTime(entry.LastRequestAt)
		}
		raw[subject] = p
	}
	return s.kv.Put(metricsCacheStateKey, raw)
}

func (s *RefreshStateStore) Set(state TokenRefreshState) error {
	lastAt := utcNowOr(state.LastRefreshAt)
	ok := 0
	if state.OK {
		ok = 1
	}
	var expiresAt any
	if !state.ExpiresAt.IsZero() {
		expiresAt = formatTime(state.ExpiresAt)
	}

	return retryBusy(func() error {
		_, err := s.db.Exec(
			`INSERT INTO token_refresh_state (id, last_refresh_at, source, ok, error, expires_at, updated_at)
			 VALUES (1, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(id) DO UPDATE SET
			   last_refresh_at = excluded.last_refresh_at,
			   source = excluded.source,
			   ok = excluded.ok,
			   error = excluded.error,
			   expires_at = COALESCE(excluded.expires_at, token_refresh_state.expires_at),
			   updated_at = excluded.updated_at`,
			formatTime(lastAt),
			state.Source,
			ok,
			state.Error,
			expiresAt,
			formatTime(time.Now().UTC()),
		)
		if err != nil {
			return fmt.Errorf("save token refresh state: %w", err)
		}
		return nil
	})
}

func (s *RefreshStateStore) Get() (*TokenRefreshState, error) {
	row := s.db.QueryRow(
		`SELECT last_refresh_at, source, ok, error, expires_at, updated_at
		 FROM token_refresh_state
		 WHERE id = 1`,
	)

	var (
		lastAt    sql.NullString
		source    sql.NullString
		ok        int
		errText   sql.NullString
		expiresAt sql.NullString
		updatedAt string
	)
	if err := row.Scan(&lastAt, &source, &ok, &errText, &expiresAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("load token refresh state: %w", err)
	}

	state := &TokenRefreshState{OK: ok == 1, UpdatedAt: parseTime(updatedAt)}
	if lastAt.Valid {
		state.LastRefreshAt = parseTime(lastAt.String)
	}
	if source.Valid {
		state.Source = source.String
	}
	if errText.Valid {
		state.Error = errText.String
	}
	if expiresAt.Valid {
		state.ExpiresAt = parseTime(expiresAt.String)
	}
	return state, nil
}

// retryBusy retries fn while sqlite reports a busy database.
func retryBusy(fn func() error) error {
	const maxBusyRetries = 5
	var err error
	for attempt := 0; attempt <= maxBusyRetries; attempt++ {
		err = fn()
		if err == nil || !isSQLiteBusy(err) {
			return err
		}

		// Short backoff smooths concurrent write bursts.
		time.Sleep(time.Duration(25*(attempt+1)) * time.Millisecond)
	}
	return err
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(raw string) time.Time {
	if raw == "" {
		return time.Time{}
	}
	parsed, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}
	}
	return parsed
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "sqlbusy") ||
		strings.Contains(msg, "sqlite_busy") ||
		strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database is busy")
}
