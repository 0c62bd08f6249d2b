package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

const (
	credentialSafetyMargin = 300 * time.Second
	credentialMinLifetime  = 600 * time.Second
)

const (
	refreshSourceSync       = "sync"
	refreshSourceBackground = "background"
	refreshSourceManual     = "manual"
)

type credentialStorage interface {
	Load() (*Credential, error)
	Save(Credential) error
	Clear() error
}

type refreshStateRecorder interface {
	Set(TokenRefreshState) error
}

// TokenGrant is the token endpoint's answer to a refresh_token exchange.
type TokenGrant struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	Scope        string `json:"scope"`
	ExpiresIn    int64  `json:"expires_in"`
}

type tokenExchanger interface {
	Refresh(ctx context.Context, refreshToken string) (*TokenGrant, error)
}

// TokenManager owns the process-wide bearer credential. Reads go through mu;
// exchanges are serialized by refreshMu so a refresh token is never spent
// twice.
type TokenManager struct {
	store     credentialStorage
	exchanger tokenExchanger
	state     refreshStateRecorder
	telemetry Telemetry

	minLifetime  time.Duration
	safetyMargin time.Duration
	now          func() time.Time
	onRefresh    func(source string, cred Credential, err error)

	mu      sync.Mutex
	current *Credential

	refreshMu sync.Mutex
}

func NewTokenManager(store credentialStorage, exchanger tokenExchanger, state refreshStateRecorder, telemetry Telemetry) *TokenManager {
	if telemetry == nil {
		telemetry = NoOpTelemetry{}
	}
	return &TokenManager{
		store:        store,
		exchanger:    exchanger,
		state:        state,
		telemetry:    telemetry,
		minLifetime:  credentialMinLifetime,
		safetyMargin: credentialSafetyMargin,
		now:          time.Now,
	}
}

// GetValidCredential returns a credential with at least minLifetime left,
// renewing it synchronously when needed. It never hands out a credential
// below the floor.
func (m *TokenManager) GetValidCredential(ctx context.Context) (Credential, error) {
	return m.ensureValid(ctx, refreshSourceSync)
}

func (m *TokenManager) ensureValid(ctx context.Context, source string) (Credential, error) {
	cred, err := m.loaded()
	if err != nil {
		return Credential{}, err
	}
	if cred.remaining(m.now()) >= m.minLifetime {
		return cred, nil
	}

	logInfo("token.near_expiry", "source", source, "expires_at", cred.ExpiresAt, "remaining", cred.remaining(m.now()).Truncate(time.Second))
	fresh, err := m.refresh(ctx, source, false)
	if err != nil {
		return Credential{}, err
	}
	if fresh.remaining(m.now()) < m.minLifetime {
		return Credential{}, fmt.Errorf("%w: renewed credential expires at %s", ErrCredentialUnavailable, fresh.ExpiresAt.Format(time.RFC3339))
	}
	return fresh, nil
}

// Refresh forces a renewal regardless of remaining lifetime.
func (m *TokenManager) Refresh(ctx context.Context) (Credential, error) {
	if _, err := m.loaded(); err != nil {
		return Credential{}, err
	}
	return m.refresh(ctx, refreshSourceManual, true)
}

// Current returns the in-memory credential, loading it from storage if
// needed, without any lifetime check.
func (m *TokenManager) Current() (*Credential, error) {
	cred, err := m.loaded()
	if err != nil {
		if errors.Is(err, ErrCredentialUnavailable) {
			return nil, nil
		}
		return nil, err
	}
	return &cred, nil
}

// Import stores a credential produced by the one-time authorization flow.
func (m *TokenManager) Import(in CredentialImport) (Credential, error) {
	in.AccessToken = strings.TrimSpace(in.AccessToken)
	in.RefreshToken = strings.TrimSpace(in.RefreshToken)
	if in.AccessToken == "" {
		return Credential{}, badRequest("missing access_token", nil)
	}
	if in.RefreshToken == "" {
		return Credential{}, badRequest("missing refresh_token", nil)
	}

	cred := Credential{
		AccessToken:  in.AccessToken,
		RefreshToken: in.RefreshToken,
		TokenType:    in.TokenType,
		Scope:        in.Scope,
	}
	switch {
	case in.ExpiresIn > 0:
		cred.ExpiresAt = m.expiryFrom(in.ExpiresIn)
	case !in.ExpiresAt.IsZero():
		cred.ExpiresAt = in.ExpiresAt.UTC()
	default:
		return Credential{}, badRequest("missing expires_in or expires_at", nil)
	}

	if err := m.store.Save(cred); err != nil {
		return Credential{}, internalServerError("failed to persist credential", err)
	}

	m.mu.Lock()
	m.current = &cred
	m.mu.Unlock()

	logInfo("token.imported", "expires_at", cred.ExpiresAt, "scope", cred.Scope)
	return cred, nil
}

// Clear drops the stored credential. Later calls fail with
// ErrCredentialUnavailable until a new one is imported.
func (m *TokenManager) Clear() error {
	m.refreshMu.Lock()
	defer m.refreshMu.Unlock()

	if err := m.store.Clear(); err != nil {
		return err
	}
	m.mu.Lock()
	m.current = nil
	m.mu.Unlock()
	return nil
}

func (m *TokenManager) loaded() (Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current != nil {
		return *m.current, nil
	}

	cred, err := m.store.Load()
	if err != nil {
		return Credential{}, fmt.Errorf("%w: %v", ErrCredentialUnavailable, err)
	}
	if cred == nil {
		return Credential{}, fmt.Errorf("%w: no stored credential", ErrCredentialUnavailable)
	}

	m.current = cred
	logInfo("token.loaded", "expires_at", cred.ExpiresAt)
	return *cred, nil
}

func (m *TokenManager) snapshot() *Credential {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return nil
	}
	cred := *m.current
	return &cred
}

func (m *TokenManager) refresh(ctx context.Context, source string, force bool) (Credential, error) {
	m.refreshMu.Lock()
	defer m.refreshMu.Unlock()

	cred := m.snapshot()
	if cred == nil {
		return Credential{}, fmt.Errorf("%w: no stored credential", ErrCredentialUnavailable)
	}
	// Another caller may have renewed while we waited for refreshMu.
	if !force && cred.remaining(m.now()) >= m.minLifetime {
		return *cred, nil
	}
	if m.exchanger == nil {
		return Credential{}, fmt.Errorf("%w: token exchange not configured", ErrCredentialUnavailable)
	}

	logInfo("token.refresh.start", "source", source, "expires_at", cred.ExpiresAt)
	grant, err := m.exchanger.Refresh(ctx, cred.RefreshToken)
	if err == nil && strings.TrimSpace(grant.AccessToken) == "" {
		err = errors.New("token endpoint returned empty access_token")
	}
	if err != nil {
		logWarn("token.refresh.failed", "source", source, "error", err)
		m.telemetry.RecordTokenRefresh(ctx, source, false)
		m.recordState(source, nil, err)
		m.notify(source, *cred, err)
		return Credential{}, fmt.Errorf("%w: refresh failed: %v", ErrCredentialUnavailable, err)
	}

	next := *cred
	next.AccessToken = grant.AccessToken
	if grant.RefreshToken != "" {
		next.RefreshToken = grant.RefreshToken
	}
	if grant.TokenType != "" {
		next.TokenType = grant.TokenType
	}
	if grant.Scope != "" {
		next.Scope = grant.Scope
	}
	next.ExpiresAt = m.expiryFrom(grant.ExpiresIn)

	m.mu.Lock()
	m.current = &next
	m.mu.Unlock()

	// The old refresh token is already spent, so the new one stays in memory
	// even when persisting fails.
	if err := m.store.Save(next); err != nil {
		logError("token.persist_failed", "source", source, "error", err)
	}

	logInfo("token.refresh.completed", "source", source, "expires_at", next.ExpiresAt)
	m.telemetry.RecordTokenRefresh(ctx, source, true)
	m.recordState(source, &next, nil)
	m.notify(source, next, nil)
	return next, nil
}

func (m *TokenManager) expiryFrom(expiresIn int64) time.Time {
	return m.now().UTC().Add(time.Duration(expiresIn)*time.Second - m.safetyMargin)
}

func (m *TokenManager) recordState(source string, cred *Credential, err error) {
	if m.state == nil {
		return
	}
	state := TokenRefreshState{
		LastRefreshAt: m.now().UTC(),
		Source:        source,
		OK:            err == nil,
	}
	if err != nil {
		state.Error = err.Error()
	}
	if cred != nil {
		state.ExpiresAt = cred.ExpiresAt
	}
	if err := m.state.Set(state); err != nil {
		logWarn("token.refresh.persist_state_failed", "error", err)
	}
}

func (m *TokenManager) notify(source string, cred Credential, err error) {
	if m.onRefresh != nil {
		m.onRefresh(source, cred, err)
	}
}
