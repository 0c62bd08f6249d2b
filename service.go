package main

import (
	"net/http"
	"sync"
)

type usageReporter interface {
	Usage() []LedgerUsage
}

type refreshStateReader interface {
	Get() (*TokenRefreshState, error)
}

// Service composes the credential manager, admission-gated retry loop,
// metrics cache and remote gateway, and serves the ops surface.
type Service struct {
	tokens       *TokenManager
	retry        *RetryCoordinator
	gateway      RemoteGateway
	cache        *MetricsCache
	limits       usageReporter
	refreshState refreshStateReader
	inflight     *inflightGuard
	events       *opsEventFeed
	mentions     MentionFilter

	wsClientsMu  sync.Mutex
	wsClientsSet map[*wsConnClient]struct{}
}

func NewService(
	tokens *TokenManager,
	retry *RetryCoordinator,
	gateway RemoteGateway,
	cache *MetricsCache,
	limits usageReporter,
	refreshState refreshStateReader,
) *Service {
	s := &Service{
		tokens:       tokens,
		retry:        retry,
		gateway:      gateway,
		cache:        cache,
		limits:       limits,
		refreshState: refreshState,
		inflight:     newInflightGuard(),
		events:       newOpsEventFeed(),
		wsClientsSet: make(map[*wsConnClient]struct{}),
	}
	if tokens != nil {
		tokens.onRefresh = s.onCredentialRefresh
	}
	if retry != nil {
		retry.onLimited = s.onRateLimited
	}
	return s
}

func (s *Service) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/healthz", s.handleHealthz)
	s.registerRoute(mux, "/status", http.MethodGet, s.handleStatus)
	s.registerRoute(mux, "/limits", http.MethodGet, s.handleLimits)
	s.registerRoute(mux, "/token", http.MethodGet, s.handleToken)
	s.registerRoute(mux, "/cache", http.MethodGet, s.handleCache)
	s.registerRoute(mux, "/ws", http.MethodGet, s.handleOpsWebSocket)
	s.registerRoute(mux, "/events", http.MethodGet, s.handleEventsStream)
}

func (s *Service) registerRoute(mux *http.ServeMux, path, method string, handler http.HandlerFunc) {
	mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != method {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed", nil)
			return
		}
		handler(w, r)
	})
}
