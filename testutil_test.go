package main

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 3, 14, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type memoryCredentialStore struct {
	mu    sync.Mutex
	cred  *Credential
	saves int
}

func (s *memoryCredentialStore) Load() (*Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cred == nil {
		return nil, nil
	}
	c := *s.cred
	return &c, nil
}

func (s *memoryCredentialStore) Save(c Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cred = &c
	s.saves++
	return nil
}

func (s *memoryCredentialStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cred = nil
	return nil
}

type fakeExchanger struct {
	calls atomic.Int32
	grant TokenGrant
	err   error
	// gate, when set, blocks each exchange until it is closed.
	gate chan struct{}
}

func (f *fakeExchanger) Refresh(ctx context.Context, refreshToken string) (*TokenGrant, error) {
	f.calls.Add(1)
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	g := f.grant
	return &g, nil
}

type staticCredentials struct {
	cred Credential
	err  error
}

func (s staticCredentials) GetValidCredential(context.Context) (Credential, error) {
	return s.cred, s.err
}

// fakeGateway answers every RemoteGateway call from the function fields,
// counting calls per operation.
type fakeGateway struct {
	mu    sync.Mutex
	calls map[string]int

	createPost func(ctx context.Context, req CreatePostRequest) (Post, error)
	getPost    func(ctx context.Context, id string) (Post, error)
	search     func(ctx context.Context, query string, maxResults int) (Timeline, error)
	getUser    func(ctx context.Context, username string) (User, error)
	metrics    func(ctx context.Context, username string) (UserMetrics, error)
	toggle     func(ctx context.Context, op, id string) (ActionResult, error)
	mentions   func(ctx context.Context, maxResults int, sinceID string) (Timeline, error)
}

var errNotStubbed = errors.New("not stubbed")

func (g *fakeGateway) count(op string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.calls == nil {
		g.calls = map[string]int{}
	}
	g.calls[op]++
}

func (g *fakeGateway) Calls(op string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls[op]
}

func (g *fakeGateway) CreatePost(ctx context.Context, req CreatePostRequest) (Post, error) {
	g.count(opCreatePost)
	if g.createPost == nil {
		return Post{}, errNotStubbed
	}
	return g.createPost(ctx, req)
}

func (g *fakeGateway) GetPost(ctx context.Context, id string) (Post, error) {
	g.count(opGetPost)
	if g.getPost == nil {
		return Post{}, errNotStubbed
	}
	return g.getPost(ctx, id)
}

func (g *fakeGateway) GetPosts(ctx context.Context, ids []string) ([]Post, error) {
	g.count(opGetPosts)
	out := make([]Post, 0, len(ids))
	for _, id := range ids {
		p, err := g.GetPost(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

func (g *fakeGateway) SearchPosts(ctx context.Context, query string, maxResults int) (Timeline, error) {
	g.count(opSearchPosts)
	if g.search == nil {
		return Timeline{}, errNotStubbed
	}
	return g.search(ctx, query, maxResults)
}

func (g *fakeGateway) GetUserByUsername(ctx context.Context, username string) (User, error) {
	g.count(opGetUser)
	if g.getUser == nil {
		return User{}, errNotStubbed
	}
	return g.getUser(ctx, username)
}

func (g *fakeGateway) GetUserByID(ctx context.Context, id string) (User, error) {
	g.count(opGetUserByID)
	return User{ID: id}, nil
}

func (g *fakeGateway) GetUserMetrics(ctx context.Context, username string) (UserMetrics, error) {
	g.count(opGetUserMetrics)
	if g.metrics == nil {
		return UserMetrics{}, errNotStubbed
	}
	return g.metrics(ctx, username)
}

func (g *fakeGateway) doToggle(ctx context.Context, op, id string) (ActionResult, error) {
	g.count(op)
	if g.toggle == nil {
		return ActionResult{Operation: op, TargetID: id, State: true}, nil
	}
	return g.toggle(ctx, op, id)
}

func (g *fakeGateway) Follow(ctx context.Context, id string) (ActionResult, error) {
	return g.doToggle(ctx, opFollow, id)
}

func (g *fakeGateway) Unfollow(ctx context.Context, id string) (ActionResult, error) {
	return g.doToggle(ctx, opUnfollow, id)
}

func (g *fakeGateway) Like(ctx context.Context, id string) (ActionResult, error) {
	return g.doToggle(ctx, opLike, id)
}

func (g *fakeGateway) Unlike(ctx context.Context, id string) (ActionResult, error) {
	return g.doToggle(ctx, opUnlike, id)
}

func (g *fakeGateway) Repost(ctx context.Context, id string) (ActionResult, error) {
	return g.doToggle(ctx, opRepost, id)
}

func (g *fakeGateway) Unrepost(ctx context.Context, id string) (ActionResult, error) {
	return g.doToggle(ctx, opUnrepost, id)
}

func (g *fakeGateway) GetHomeTimeline(ctx context.Context, maxResults int, paginationToken string) (Timeline, error) {
	g.count(opGetHomeTimeline)
	return Timeline{Posts: []Post{}}, nil
}

func (g *fakeGateway) GetMentions(ctx context.Context, maxResults int, sinceID string) (Timeline, error) {
	g.count(opGetMentions)
	if g.mentions != nil {
		return g.mentions(ctx, maxResults, sinceID)
	}
	return Timeline{Posts: []Post{}}, nil
}

// newTestRetry builds a coordinator that records sleeps instead of sleeping.
func newTestRetry(admission Admitter, clock *fakeClock) (*RetryCoordinator, *[]time.Duration) {
	c := NewRetryCoordinator(admission, defaultRetryPolicy(), nil)
	slept := &[]time.Duration{}
	var mu sync.Mutex
	c.now = clock.Now
	c.sleep = func(_ context.Context, d time.Duration) error {
		mu.Lock()
		*slept = append(*slept, d)
		mu.Unlock()
		clock.Advance(d)
		return nil
	}
	return c, slept
}

func containsAll(s string, parts ...string) bool {
	for _, p := range parts {
		if !strings.Contains(s, p) {
			return false
		}
	}
	return true
}
