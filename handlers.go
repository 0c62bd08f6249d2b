package main

import (
	"net/http"
	"time"
)

const (
	defaultCacheEntriesLimit = 50
	maxCacheEntriesLimit     = 500
)

func (s *Service) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Service) handleStatus(w http.ResponseWriter, _ *http.Request) {
	status, err := s.statusSnapshot()
	if err != nil {
		writeAPIError(w, internalServerError("failed to load credential state", err))
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// statusSnapshot is shared by /status, the ws status message and the CLI.
func (s *Service) statusSnapshot() (map[string]any, error) {
	cred, err := s.tokens.Current()
	if err != nil {
		return nil, err
	}

	now := s.tokens.now()
	status := map[string]any{
		"has_credential": cred != nil,
	}
	if cred != nil {
		remaining := cred.remaining(now)
		status["token_preview"] = maskToken(cred.AccessToken)
		status["token_type"] = cred.TokenType
		status["scope"] = cred.Scope
		status["expires_at"] = cred.ExpiresAt
		status["remaining_seconds"] = int64(remaining / time.Second)
		status["above_floor"] = remaining >= s.tokens.minLifetime
	}

	if s.refreshState != nil {
		state, err := s.refreshState.Get()
		if err != nil {
			return nil, err
		}
		if state != nil && !state.LastRefreshAt.IsZero() {
			status["last_refresh_at"] = state.LastRefreshAt
			status["last_refresh_source"] = state.Source
			status["last_refresh_ok"] = state.OK
			if state.Error != "" {
				status["last_refresh_error"] = state.Error
			}
		}
	}

	status["inflight_posts"] = s.inflight.size()
	return status, nil
}

func (s *Service) handleLimits(w http.ResponseWriter, _ *http.Request) {
	if s.limits == nil {
		writeError(w, http.StatusServiceUnavailable, "ledger usage not available for shared admission", nil)
		return
	}
	usage := s.limits.Usage()
	writeJSON(w, http.StatusOK, map[string]any{
		"results": usage,
		"meta": map[string]any{
			"count": len(usage),
		},
	})
}

func (s *Service) handleToken(w http.ResponseWriter, _ *http.Request) {
	cred, err := s.tokens.Current()
	if err != nil {
		writeAPIError(w, internalServerError("failed to load credential state", err))
		return
	}
	if cred == nil {
		writeAPIError(w, ErrCredentialUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, maskedCredential(*cred))
}

func (s *Service) handleCache(w http.ResponseWriter, r *http.Request) {
	if s.cache == nil {
		writeError(w, http.StatusServiceUnavailable, "metrics cache not configured", nil)
		return
	}
	limit, err := parseIntQuery(r, "limit", defaultCacheEntriesLimit, 1, maxCacheEntriesLimit)
	if err != nil {
		writeAPIError(w, badRequest(err.Error(), nil))
		return
	}

	entries := s.cache.Entries()
	if len(entries) > limit {
		entries = entries[:limit]
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"results": entries,
		"meta": map[string]any{
			"count": len(entries),
		},
	})
}

func maskedCredential(cred Credential) map[string]any {
	return map[string]any{
		"access_token":  maskToken(cred.AccessToken),
		"refresh_token": maskToken(cred.RefreshToken),
		"token_type":    cred.TokenType,
		"scope":         cred.Scope,
		"expires_at":    cred.ExpiresAt,
	}
}
