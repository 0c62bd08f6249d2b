package main

import (
	"strings"
	"time"
)

// Credential is the OAuth2 bearer credential used for every upstream call.
// ExpiresAt already has the acquisition safety margin subtracted.
type Credential struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
	TokenType    string    `json:"token_type,omitempty"`
	Scope        string    `json:"scope,omitempty"`
}

func (c Credential) remaining(now time.Time) time.Duration {
	return c.ExpiresAt.Sub(now)
}

// CredentialImport is the payload accepted from the one-time authorization
// flow. Either ExpiresIn (seconds, as returned by the token endpoint) or an
// absolute ExpiresAt must be set.
type CredentialImport struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresIn    int64     `json:"expires_in,omitempty"`
	ExpiresAt    time.Time `json:"expires_at,omitempty"`
	TokenType    string    `json:"token_type,omitempty"`
	Scope        string    `json:"scope,omitempty"`
}

type TokenRefreshState struct {
	LastRefreshAt time.Time `json:"last_refresh_at"`
	Source        string    `json:"source,omitempty"`
	OK            bool      `json:"ok"`
	Error         string    `json:"error,omitempty"`
	ExpiresAt     time.Time `json:"expires_at,omitempty"`
	UpdatedAt     time.Time `json:"updated_at"`
}

type ActionClass string

const (
	ActionPost       ActionClass = "post"
	ActionRead       ActionClass = "read"
	ActionSearch     ActionClass = "search"
	ActionUserLookup ActionClass = "user_lookup"
)

type Scope string

const (
	ScopeApp  Scope = "app"
	ScopeUser Scope = "user"
)

// ScopeFor maps the caller's explicit user-auth flag to a budget scope.
func ScopeFor(userAuth bool) Scope {
	if userAuth {
		return ScopeUser
	}
	return ScopeApp
}

type ActionBudget struct {
	Action ActionClass   `json:"action"`
	Scope  Scope         `json:"scope"`
	Limit  int           `json:"limit"`
	Window time.Duration `json:"window"`
}

// UserMetrics mirrors the platform's public_metrics object.
type UserMetrics struct {
	FollowersCount int64 `json:"followers_count"`
	FollowingCount int64 `json:"following_count"`
	TweetCount     int64 `json:"tweet_count"`
	ListedCount    int64 `json:"listed_count"`
	LikeCount      int64 `json:"like_count"`
}

type PostMetrics struct {
	RetweetCount    int64 `json:"retweet_count"`
	ReplyCount      int64 `json:"reply_count"`
	LikeCount       int64 `json:"like_count"`
	QuoteCount      int64 `json:"quote_count"`
	BookmarkCount   int64 `json:"bookmark_count"`
	ImpressionCount int64 `json:"impression_count"`
}

type ReferencedPost struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

type Post struct {
	ID               string           `json:"id"`
	Text             string           `json:"text"`
	AuthorID         string           `json:"author_id,omitempty"`
	AuthorUsername   string           `json:"author_username,omitempty"`
	AuthorName       string           `json:"author_name,omitempty"`
	ConversationID   string           `json:"conversation_id,omitempty"`
	InReplyToUserID  string           `json:"in_reply_to_user_id,omitempty"`
	CreatedAt        time.Time        `json:"created_at"`
	Metrics          PostMetrics      `json:"public_metrics"`
	ReferencedPosts  []ReferencedPost `json:"referenced_posts,omitempty"`
	MediaKeys        []string         `json:"media_keys,omitempty"`
	MentionUsernames []string         `json:"mentions,omitempty"`
	Hashtags         []string         `json:"hashtags,omitempty"`
	Cashtags         []string         `json:"cashtags,omitempty"`
}

type User struct {
	ID              string      `json:"id"`
	Username        string      `json:"username"`
	Name            string      `json:"name"`
	Description     string      `json:"description,omitempty"`
	Location        string      `json:"location,omitempty"`
	URL             string      `json:"url,omitempty"`
	ProfileImageURL string      `json:"profile_image_url,omitempty"`
	Protected       bool        `json:"protected"`
	Verified        bool        `json:"verified"`
	VerifiedType    string      `json:"verified_type,omitempty"`
	PinnedPostID    string      `json:"pinned_tweet_id,omitempty"`
	CreatedAt       time.Time   `json:"created_at"`
	Metrics         UserMetrics `json:"public_metrics"`
}

type Timeline struct {
	Posts     []Post `json:"posts"`
	NextToken string `json:"next_token,omitempty"`
	NewestID  string `json:"newest_id,omitempty"`
	OldestID  string `json:"oldest_id,omitempty"`
}

type CreatePostRequest struct {
	Text     string   `json:"text"`
	ReplyTo  string   `json:"reply_to,omitempty"`
	MediaIDs []string `json:"media_ids,omitempty"`
}

// ActionResult is returned by follow/like/repost style toggles.
type ActionResult struct {
	Operation string `json:"operation"`
	TargetID  string `json:"target_id"`
	State     bool   `json:"state"`
	Pending   bool   `json:"pending,omitempty"`
}

// normalizeUsername strips surrounding whitespace and a leading "@".
func normalizeUsername(raw string) string {
	return strings.TrimPrefix(strings.TrimSpace(raw), "@")
}
