package main

import (
	"context"
	"errors"
	"sort"
	"strings"
)

const maxPostLength = 25000

// Every exposed operation runs through the retry coordinator, which applies
// admission for the given scope before each attempt.

func (s *Service) CreatePost(ctx context.Context, scope Scope, req CreatePostRequest) (Post, error) {
	req.Text = strings.TrimSpace(req.Text)
	req.ReplyTo = strings.TrimSpace(req.ReplyTo)
	if req.Text == "" && len(req.MediaIDs) == 0 {
		return Post{}, badRequest("post needs text or media", nil)
	}
	if len([]rune(req.Text)) > maxPostLength {
		return Post{}, badRequest("post text too long", nil)
	}

	release, err := s.inflight.acquire(createPostKey(req))
	if err != nil {
		logWarn("post.duplicate_inflight", "reply_to", req.ReplyTo, "media", len(req.MediaIDs))
		return Post{}, err
	}
	defer release()

	post, err := callRemote(ctx, s.retry, opCreatePost, scope, func(ctx context.Context) (Post, error) {
		return s.gateway.CreatePost(ctx, req)
	})
	if err != nil {
		return Post{}, err
	}
	logInfo("post.created", "post_id", post.ID, "reply_to", req.ReplyTo)
	return post, nil
}

func (s *Service) GetPost(ctx context.Context, scope Scope, id string) (Post, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Post{}, badRequest("missing post id", nil)
	}
	return callRemote(ctx, s.retry, opGetPost, scope, func(ctx context.Context) (Post, error) {
		return s.gateway.GetPost(ctx, id)
	})
}

func (s *Service) GetPosts(ctx context.Context, scope Scope, ids []string) ([]Post, error) {
	cleaned := make([]string, 0, len(ids))
	for _, id := range ids {
		if id = strings.TrimSpace(id); id != "" {
			cleaned = append(cleaned, id)
		}
	}
	if len(cleaned) == 0 {
		return nil, badRequest("missing post ids", nil)
	}
	return callRemote(ctx, s.retry, opGetPosts, scope, func(ctx context.Context) ([]Post, error) {
		return s.gateway.GetPosts(ctx, cleaned)
	})
}

func (s *Service) SearchPosts(ctx context.Context, scope Scope, query string, maxResults int) (Timeline, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return Timeline{}, badRequest("missing search query", nil)
	}
	return callRemote(ctx, s.retry, opSearchPosts, scope, func(ctx context.Context) (Timeline, error) {
		return s.gateway.SearchPosts(ctx, query, maxResults)
	})
}

func (s *Service) GetUser(ctx context.Context, scope Scope, username string) (User, error) {
	username = normalizeUsername(username)
	if username == "" {
		return User{}, badRequest("missing username", nil)
	}
	return callRemote(ctx, s.retry, opGetUser, scope, func(ctx context.Context) (User, error) {
		return s.gateway.GetUserByUsername(ctx, username)
	})
}

func (s *Service) GetUserByID(ctx context.Context, scope Scope, id string) (User, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return User{}, badRequest("missing user id", nil)
	}
	return callRemote(ctx, s.retry, opGetUserByID, scope, func(ctx context.Context) (User, error) {
		return s.gateway.GetUserByID(ctx, id)
	})
}

// GetUserMetrics is cache-aware: the remote lookup only runs when the cached
// entry is stale and a refresh is currently eligible.
func (s *Service) GetUserMetrics(ctx context.Context, scope Scope, username string) (UserMetrics, error) {
	return s.cache.GetOrRefresh(ctx, username, func(ctx context.Context, subject string) (UserMetrics, error) {
		return callRemote(ctx, s.retry, opGetUserMetrics, scope, func(ctx context.Context) (UserMetrics, error) {
			return s.gateway.GetUserMetrics(ctx, subject)
		})
	})
}

// FollowUser resolves username first; the lookup spends user-lookup budget.
func (s *Service) FollowUser(ctx context.Context, scope Scope, username string) (ActionResult, error) {
	user, err := s.GetUser(ctx, scope, username)
	if err != nil {
		return ActionResult{}, err
	}
	return callRemote(ctx, s.retry, opFollow, scope, func(ctx context.Context) (ActionResult, error) {
		return s.gateway.Follow(ctx, user.ID)
	})
}

func (s *Service) UnfollowUser(ctx context.Context, scope Scope, username string) (ActionResult, error) {
	user, err := s.GetUser(ctx, scope, username)
	if err != nil {
		return ActionResult{}, err
	}
	return callRemote(ctx, s.retry, opUnfollow, scope, func(ctx context.Context) (ActionResult, error) {
		return s.gateway.Unfollow(ctx, user.ID)
	})
}

func (s *Service) Like(ctx context.Context, scope Scope, postID string) (ActionResult, error) {
	return s.togglePost(ctx, scope, opLike, postID, s.gateway.Like)
}

func (s *Service) Unlike(ctx context.Context, scope Scope, postID string) (ActionResult, error) {
	return s.togglePost(ctx, scope, opUnlike, postID, s.gateway.Unlike)
}

func (s *Service) Repost(ctx context.Context, scope Scope, postID string) (ActionResult, error) {
	return s.togglePost(ctx, scope, opRepost, postID, s.gateway.Repost)
}

func (s *Service) Unrepost(ctx context.Context, scope Scope, postID string) (ActionResult, error) {
	return s.togglePost(ctx, scope, opUnrepost, postID, s.gateway.Unrepost)
}

func (s *Service) togglePost(
	ctx context.Context,
	scope Scope,
	operation, postID string,
	call func(context.Context, string) (ActionResult, error),
) (ActionResult, error) {
	postID = strings.TrimSpace(postID)
	if postID == "" {
		return ActionResult{}, badRequest("missing post id", nil)
	}
	return callRemote(ctx, s.retry, operation, scope, func(ctx context.Context) (ActionResult, error) {
		return call(ctx, postID)
	})
}

func (s *Service) HomeTimeline(ctx context.Context, scope Scope, maxResults int, paginationToken string) (Timeline, error) {
	return callRemote(ctx, s.retry, opGetHomeTimeline, scope, func(ctx context.Context) (Timeline, error) {
		return s.gateway.GetHomeTimeline(ctx, maxResults, strings.TrimSpace(paginationToken))
	})
}

// Mentions returns the authenticated user's mention timeline with the
// configured mention filter applied. Pagination ids still describe the
// unfiltered page so since_id polling keeps advancing.
func (s *Service) Mentions(ctx context.Context, scope Scope, maxResults int, sinceID string) (Timeline, error) {
	timeline, err := callRemote(ctx, s.retry, opGetMentions, scope, func(ctx context.Context) (Timeline, error) {
		return s.gateway.GetMentions(ctx, maxResults, strings.TrimSpace(sinceID))
	})
	if err != nil {
		return Timeline{}, err
	}
	return s.mentions.Apply(timeline), nil
}

// ConversationThread returns the requested post, its conversation root and
// the recent replies found by search, oldest first. When the root or the
// search cannot be loaded the thread degrades to what is available.
func (s *Service) ConversationThread(ctx context.Context, scope Scope, postID string, maxResults int) ([]Post, error) {
	requested, err := s.GetPost(ctx, scope, postID)
	if err != nil {
		return nil, err
	}
	conversationID := requested.ConversationID
	if conversationID == "" {
		return []Post{requested}, nil
	}

	thread := map[string]Post{requested.ID: requested}

	if conversationID != requested.ID {
		root, err := s.GetPost(ctx, scope, conversationID)
		switch {
		case err == nil:
			thread[root.ID] = root
		case errors.Is(err, ErrNotFound):
			logDebug("thread.root_missing", "conversation_id", conversationID)
		default:
			logWarn("thread.root_failed", "conversation_id", conversationID, "error", err)
		}
	}

	replies, err := s.SearchPosts(ctx, scope, "conversation_id:"+conversationID, maxResults)
	if err != nil {
		logWarn("thread.search_failed", "conversation_id", conversationID, "error", err)
	} else {
		for _, p := range replies.Posts {
			if _, seen := thread[p.ID]; !seen {
				thread[p.ID] = p
			}
		}
	}

	posts := make([]Post, 0, len(thread))
	for _, p := range thread {
		posts = append(posts, p)
	}
	sort.SliceStable(posts, func(i, j int) bool {
		if posts[i].CreatedAt.Equal(posts[j].CreatedAt) {
			return posts[i].ID < posts[j].ID
		}
		return posts[i].CreatedAt.Before(posts[j].CreatedAt)
	})
	return posts, nil
}
