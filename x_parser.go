package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

type apiNoteTweet struct {
	Text string `json:"text"`
}

type apiAttachments struct {
	MediaKeys []string `json:"media_keys"`
}

type apiMention struct {
	Username string `json:"username"`
}

type apiTag struct {
	Tag string `json:"tag"`
}

type apiEntities struct {
	Mentions []apiMention `json:"mentions"`
	Hashtags []apiTag     `json:"hashtags"`
	Cashtags []apiTag     `json:"cashtags"`
}

type apiTweet struct {
	ID               string           `json:"id"`
	Text             string           `json:"text"`
	NoteTweet        *apiNoteTweet    `json:"note_tweet"`
	AuthorID         string           `json:"author_id"`
	ConversationID   string           `json:"conversation_id"`
	InReplyToUserID  string           `json:"in_reply_to_user_id"`
	CreatedAt        string           `json:"created_at"`
	PublicMetrics    PostMetrics      `json:"public_metrics"`
	ReferencedTweets []ReferencedPost `json:"referenced_tweets"`
	Attachments      apiAttachments   `json:"attachments"`
	Entities         apiEntities      `json:"entities"`
}

type apiUser struct {
	ID              string      `json:"id"`
	Username        string      `json:"username"`
	Name            string      `json:"name"`
	Description     string      `json:"description"`
	Location        string      `json:"location"`
	URL             string      `json:"url"`
	ProfileImageURL string      `json:"profile_image_url"`
	Protected       bool        `json:"protected"`
	Verified        bool        `json:"verified"`
	VerifiedType    string      `json:"verified_type"`
	PinnedTweetID   string      `json:"pinned_tweet_id"`
	CreatedAt       string      `json:"created_at"`
	PublicMetrics   UserMetrics `json:"public_metrics"`
}

type apiIncludes struct {
	Users  []apiUser  `json:"users"`
	Tweets []apiTweet `json:"tweets"`
}

type apiMeta struct {
	ResultCount int    `json:"result_count"`
	NextToken   string `json:"next_token"`
	NewestID    string `json:"newest_id"`
	OldestID    string `json:"oldest_id"`
}

type apiProblem struct {
	Title        string `json:"title"`
	Detail       string `json:"detail"`
	Type         string `json:"type"`
	Message      string `json:"message"`
	ResourceType string `json:"resource_type"`
	Value        string `json:"value"`
}

type apiEnvelope struct {
	Data     json.RawMessage `json:"data"`
	Includes apiIncludes     `json:"includes"`
	Meta     apiMeta         `json:"meta"`
	Errors   []apiProblem    `json:"errors"`
}

// toggle responses: {"data":{"following":true,"pending_follow":false}} etc.
type apiToggle struct {
	Following     *bool `json:"following"`
	PendingFollow bool  `json:"pending_follow"`
	Liked         *bool `json:"liked"`
	Retweeted     *bool `json:"retweeted"`
}

func (t apiToggle) state() bool {
	for _, v := range []*bool{t.Following, t.Liked, t.Retweeted} {
		if v != nil {
			return *v
		}
	}
	return false
}

func decodeEnvelope(body []byte) (*apiEnvelope, error) {
	var env apiEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("decode upstream payload: %w", err)
	}
	return &env, nil
}

func (e *apiEnvelope) hasData() bool {
	trimmed := bytes.TrimSpace(e.Data)
	return len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null"))
}

// notFound reports a 200 answer whose only content is a resource-not-found
// problem, which is how the platform answers lookups of deleted or
// suspended targets.
func (e *apiEnvelope) notFound() bool {
	if e.hasData() {
		return false
	}
	for _, p := range e.Errors {
		if p.Title == "Not Found Error" || strings.HasSuffix(p.Type, "/resource-not-found") {
			return true
		}
	}
	return false
}

func (e *apiEnvelope) problemDetail() string {
	parts := make([]string, 0, len(e.Errors))
	for _, p := range e.Errors {
		switch {
		case p.Detail != "":
			parts = append(parts, p.Detail)
		case p.Message != "":
			parts = append(parts, p.Message)
		case p.Title != "":
			parts = append(parts, p.Title)
		}
	}
	return strings.Join(parts, "; ")
}

func (e *apiEnvelope) usersByID() map[string]apiUser {
	out := make(map[string]apiUser, len(e.Includes.Users))
	for _, u := range e.Includes.Users {
		out[u.ID] = u
	}
	return out
}

func (e *apiEnvelope) decodePost() (Post, error) {
	var tweet apiTweet
	if err := json.Unmarshal(e.Data, &tweet); err != nil {
		return Post{}, fmt.Errorf("decode post: %w", err)
	}
	if tweet.ID == "" {
		return Post{}, fmt.Errorf("post payload missing id")
	}
	return normalizePost(tweet, e.usersByID()), nil
}

func (e *apiEnvelope) decodePosts() ([]Post, error) {
	if !e.hasData() {
		return []Post{}, nil
	}
	trimmed := bytes.TrimSpace(e.Data)
	if trimmed[0] != '[' {
		return nil, fmt.Errorf("posts payload has non-array data field")
	}

	var tweets []apiTweet
	if err := json.Unmarshal(trimmed, &tweets); err != nil {
		return nil, fmt.Errorf("decode posts: %w", err)
	}
	users := e.usersByID()
	posts := make([]Post, 0, len(tweets))
	for _, t := range tweets {
		posts = append(posts, normalizePost(t, users))
	}
	return posts, nil
}

func (e *apiEnvelope) decodeTimeline() (Timeline, error) {
	posts, err := e.decodePosts()
	if err != nil {
		return Timeline{}, err
	}
	return Timeline{
		Posts:     posts,
		NextToken: e.Meta.NextToken,
		NewestID:  e.Meta.NewestID,
		OldestID:  e.Meta.OldestID,
	}, nil
}

func (e *apiEnvelope) decodeUser() (User, error) {
	var raw apiUser
	if err := json.Unmarshal(e.Data, &raw); err != nil {
		return User{}, fmt.Errorf("decode user: %w", err)
	}
	if raw.ID == "" {
		return User{}, fmt.Errorf("user payload missing id")
	}
	return normalizeUser(raw), nil
}

func (e *apiEnvelope) decodeToggle() (apiToggle, error) {
	var t apiToggle
	if err := json.Unmarshal(e.Data, &t); err != nil {
		return apiToggle{}, fmt.Errorf("decode action result: %w", err)
	}
	return t, nil
}

func normalizePost(t apiTweet, users map[string]apiUser) Post {
	text := t.Text
	if t.NoteTweet != nil && strings.TrimSpace(t.NoteTweet.Text) != "" {
		text = t.NoteTweet.Text
	}

	post := Post{
		ID:              t.ID,
		Text:            text,
		AuthorID:        t.AuthorID,
		ConversationID:  t.ConversationID,
		InReplyToUserID: t.InReplyToUserID,
		CreatedAt:       parseAPITime(t.CreatedAt),
		Metrics:         t.PublicMetrics,
		ReferencedPosts: t.ReferencedTweets,
		MediaKeys:       t.Attachments.MediaKeys,
	}
	if author, ok := users[t.AuthorID]; ok {
		post.AuthorUsername = author.Username
		post.AuthorName = author.Name
	}
	for _, m := range t.Entities.Mentions {
		if m.Username != "" {
			post.MentionUsernames = append(post.MentionUsernames, m.Username)
		}
	}
	for _, h := range t.Entities.Hashtags {
		if h.Tag != "" {
			post.Hashtags = append(post.Hashtags, h.Tag)
		}
	}
	for _, c := range t.Entities.Cashtags {
		if c.Tag != "" {
			post.Cashtags = append(post.Cashtags, c.Tag)
		}
	}
	return post
}

func normalizeUser(u apiUser) User {
	return User{
		ID:              u.ID,
		Username:        u.Username,
		Name:            u.Name,
		Description:     u.Description,
		Location:        u.Location,
		URL:             u.URL,
		ProfileImageURL: u.ProfileImageURL,
		Protected:       u.Protected,
		Verified:        u.Verified,
		VerifiedType:    u.VerifiedType,
		PinnedPostID:    u.PinnedTweetID,
		CreatedAt:       parseAPITime(u.CreatedAt),
		Metrics:         u.PublicMetrics,
	}
}

func parseAPITime(raw string) time.Time {
	if raw == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}

// errorDetail pulls a human-readable message out of an error body. It
// understands both API problem payloads and OAuth2 token endpoint errors.
func errorDetail(body []byte) string {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return ""
	}

	var payload struct {
		Title            string       `json:"title"`
		Detail           string       `json:"detail"`
		Error            string       `json:"error"`
		ErrorDescription string       `json:"error_description"`
		Errors           []apiProblem `json:"errors"`
	}
	if err := json.Unmarshal(trimmed, &payload); err == nil {
		switch {
		case payload.Detail != "":
			return payload.Detail
		case payload.ErrorDescription != "":
			return payload.Error + ": " + payload.ErrorDescription
		case payload.Error != "":
			return payload.Error
		case len(payload.Errors) > 0:
			return (&apiEnvelope{Errors: payload.Errors}).problemDetail()
		case payload.Title != "":
			return payload.Title
		}
	}

	const maxDetail = 256
	if len(trimmed) > maxDetail {
		cut := maxDetail
		for cut > 0 && !utf8.RuneStart(trimmed[cut]) {
			cut--
		}
		return string(trimmed[:cut])
	}
	return string(trimmed)
}
