package main

import (
	"strings"
	"sync"
)

// inflightGuard rejects a create request while an identical one is still
// running. Keys are released when the call returns, success or not.
type inflightGuard struct {
	mu   sync.Mutex
	keys map[string]struct{}
}

func newInflightGuard() *inflightGuard {
	return &inflightGuard{keys: map[string]struct{}{}}
}

func (g *inflightGuard) acquire(key string) (func(), error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, busy := g.keys[key]; busy {
		return nil, ErrAlreadyProcessing
	}
	g.keys[key] = struct{}{}

	return func() {
		g.mu.Lock()
		delete(g.keys, key)
		g.mu.Unlock()
	}, nil
}

func (g *inflightGuard) size() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.keys)
}

// createPostKey composes content, reply target and media into one key.
func createPostKey(req CreatePostRequest) string {
	return req.Text + "\x00" + req.ReplyTo + "\x00" + strings.Join(req.MediaIDs, ",")
}
