package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

const (
	defaultAPIBaseURL  = "https://api.twitter.com/2"
	defaultTokenURL    = "https://api.twitter.com/2/oauth2/token"
	defaultMaxResults  = 10
	maxSearchResults   = 100
	maxLookupBatchSize = 100
)

const (
	tweetFields = "author_id,note_tweet,public_metrics,referenced_tweets,conversation_id,created_at,attachments,entities,in_reply_to_user_id"
	userFields  = "created_at,description,id,location,name,pinned_tweet_id,profile_image_url,protected,public_metrics,url,username,verified,verified_type"
	expansions  = "author_id,referenced_tweets.id,referenced_tweets.id.author_id,in_reply_to_user_id,attachments.media_keys,entities.mentions.username"
)

type credentialSource interface {
	GetValidCredential(ctx context.Context) (Credential, error)
}

// XClient is the RemoteGateway backed by the platform's v2 REST API. It does
// no admission or retry of its own; callers wrap it in a RetryCoordinator.
type XClient struct {
	doer    upstreamDoer
	baseURL string
	userID  string
	tokens  credentialSource
	pacer   *rate.Limiter
}

// NewXClient paces outgoing requests at maxPerSecond; zero disables pacing.
func NewXClient(doer upstreamDoer, baseURL, userID string, tokens credentialSource, maxPerSecond float64) (*XClient, error) {
	normalized, ok := normalizeAPIBaseURL(baseURL)
	if !ok {
		return nil, fmt.Errorf("invalid api base url %q", baseURL)
	}
	limit := rate.Inf
	if maxPerSecond > 0 {
		limit = rate.Limit(maxPerSecond)
	}
	return &XClient{
		doer:    doer,
		baseURL: normalized,
		userID:  strings.TrimSpace(userID),
		tokens:  tokens,
		pacer:   rate.NewLimiter(limit, 1),
	}, nil
}

// normalizeAPIBaseURL accepts an absolute http(s) URL and drops any trailing
// slash so paths can be appended directly.
func normalizeAPIBaseURL(raw string) (string, bool) {
	if strings.TrimSpace(raw) == "" {
		raw = defaultAPIBaseURL
	}
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", false
	}
	if !strings.EqualFold(u.Scheme, "https") && !strings.EqualFold(u.Scheme, "http") {
		return "", false
	}
	if u.Host == "" {
		return "", false
	}
	u.Path = strings.TrimRight(u.Path, "/")
	u.RawPath = ""
	u.RawQuery = ""
	return u.String(), true
}

func (c *XClient) CreatePost(ctx context.Context, req CreatePostRequest) (Post, error) {
	body := map[string]any{"text": req.Text}
	if req.ReplyTo != "" {
		body["reply"] = map[string]any{"in_reply_to_tweet_id": req.ReplyTo}
	}
	if len(req.MediaIDs) > 0 {
		body["media"] = map[string]any{"media_ids": req.MediaIDs}
	}

	env, err := c.request(ctx, opCreatePost, http.MethodPost, "/tweets", nil, body)
	if err != nil {
		return Post{}, err
	}
	return env.decodePost()
}

func (c *XClient) GetPost(ctx context.Context, id string) (Post, error) {
	env, err := c.request(ctx, opGetPost, http.MethodGet, "/tweets/"+url.PathEscape(id), postQuery(), nil)
	if err != nil {
		return Post{}, err
	}
	return env.decodePost()
}

func (c *XClient) GetPosts(ctx context.Context, ids []string) ([]Post, error) {
	if len(ids) == 0 {
		return []Post{}, nil
	}
	if len(ids) > maxLookupBatchSize {
		return nil, badRequest(fmt.Sprintf("at most %d ids per lookup", maxLookupBatchSize), nil)
	}
	q := postQuery()
	q.Set("ids", strings.Join(ids, ","))

	env, err := c.request(ctx, opGetPosts, http.MethodGet, "/tweets", q, nil)
	if err != nil {
		return nil, err
	}
	return env.decodePosts()
}

func (c *XClient) SearchPosts(ctx context.Context, query string, maxResults int) (Timeline, error) {
	q := postQuery()
	q.Set("query", query)
	// recent search rejects max_results below 10
	q.Set("max_results", strconv.Itoa(clampInt(maxResults, 10, maxSearchResults)))

	env, err := c.request(ctx, opSearchPosts, http.MethodGet, "/tweets/search/recent", q, nil)
	if err != nil {
		return Timeline{}, err
	}
	return env.decodeTimeline()
}

func (c *XClient) GetUserByUsername(ctx context.Context, username string) (User, error) {
	username = normalizeUsername(username)
	if username == "" {
		return User{}, badRequest("missing username", nil)
	}
	env, err := c.request(ctx, opGetUser, http.MethodGet, "/users/by/username/"+url.PathEscape(username), userQuery(), nil)
	if err != nil {
		return User{}, err
	}
	return env.decodeUser()
}

func (c *XClient) GetUserByID(ctx context.Context, id string) (User, error) {
	env, err := c.request(ctx, opGetUserByID, http.MethodGet, "/users/"+url.PathEscape(id), userQuery(), nil)
	if err != nil {
		return User{}, err
	}
	return env.decodeUser()
}

func (c *XClient) GetUserMetrics(ctx context.Context, username string) (UserMetrics, error) {
	username = normalizeUsername(username)
	if username == "" {
		return UserMetrics{}, badRequest("missing username", nil)
	}
	q := url.Values{}
	q.Set("user.fields", "public_metrics")

	env, err := c.request(ctx, opGetUserMetrics, http.MethodGet, "/users/by/username/"+url.PathEscape(username), q, nil)
	if err != nil {
		return UserMetrics{}, err
	}
	user, err := env.decodeUser()
	if err != nil {
		return UserMetrics{}, err
	}
	return user.Metrics, nil
}

func (c *XClient) Follow(ctx context.Context, targetUserID string) (ActionResult, error) {
	return c.toggle(ctx, opFollow, http.MethodPost, "/following", map[string]any{"target_user_id": targetUserID}, targetUserID)
}

func (c *XClient) Unfollow(ctx context.Context, targetUserID string) (ActionResult, error) {
	return c.toggle(ctx, opUnfollow, http.MethodDelete, "/following/"+url.PathEscape(targetUserID), nil, targetUserID)
}

func (c *XClient) Like(ctx context.Context, postID string) (ActionResult, error) {
	return c.toggle(ctx, opLike, http.MethodPost, "/likes", map[string]any{"tweet_id": postID}, postID)
}

func (c *XClient) Unlike(ctx context.Context, postID string) (ActionResult, error) {
	return c.toggle(ctx, opUnlike, http.MethodDelete, "/likes/"+url.PathEscape(postID), nil, postID)
}

func (c *XClient) Repost(ctx context.Context, postID string) (ActionResult, error) {
	return c.toggle(ctx, opRepost, http.MethodPost, "/retweets", map[string]any{"tweet_id": postID}, postID)
}

func (c *XClient) Unrepost(ctx context.Context, postID string) (ActionResult, error) {
	return c.toggle(ctx, opUnrepost, http.MethodDelete, "/retweets/"+url.PathEscape(postID), nil, postID)
}

func (c *XClient) GetHomeTimeline(ctx context.Context, maxResults int, paginationToken string) (Timeline, error) {
	if err := c.requireUserID(); err != nil {
		return Timeline{}, err
	}
	q := postQuery()
	q.Set("max_results", strconv.Itoa(clampInt(maxResults, 1, maxSearchResults)))
	if paginationToken != "" {
		q.Set("pagination_token", paginationToken)
	}

	env, err := c.request(ctx, opGetHomeTimeline, http.MethodGet, "/users/"+url.PathEscape(c.userID)+"/timelines/reverse_chronological", q, nil)
	if err != nil {
		return Timeline{}, err
	}
	return env.decodeTimeline()
}

func (c *XClient) GetMentions(ctx context.Context, maxResults int, sinceID string) (Timeline, error) {
	if err := c.requireUserID(); err != nil {
		return Timeline{}, err
	}
	q := postQuery()
	// mentions rejects max_results below 5
	q.Set("max_results", strconv.Itoa(clampInt(maxResults, 5, maxSearchResults)))
	if sinceID != "" {
		q.Set("since_id", sinceID)
	}

	env, err := c.request(ctx, opGetMentions, http.MethodGet, "/users/"+url.PathEscape(c.userID)+"/mentions", q, nil)
	if err != nil {
		return Timeline{}, err
	}
	return env.decodeTimeline()
}

func (c *XClient) toggle(ctx context.Context, operation, method, suffix string, body any, targetID string) (ActionResult, error) {
	if err := c.requireUserID(); err != nil {
		return ActionResult{}, err
	}
	if strings.TrimSpace(targetID) == "" {
		return ActionResult{}, badRequest("missing target id", nil)
	}

	env, err := c.request(ctx, operation, method, "/users/"+url.PathEscape(c.userID)+suffix, nil, body)
	if err != nil {
		return ActionResult{}, err
	}
	t, err := env.decodeToggle()
	if err != nil {
		return ActionResult{}, err
	}
	return ActionResult{
		Operation: operation,
		TargetID:  targetID,
		State:     t.state(),
		Pending:   t.PendingFollow,
	}, nil
}

func (c *XClient) requireUserID() error {
	if c.userID == "" {
		return serviceUnavailable("authenticated user id not configured", nil)
	}
	return nil
}

// request performs one upstream call. 404s and not-found problem payloads map
// to ErrNotFound; other non-2xx answers become *RemoteError.
func (c *XClient) request(ctx context.Context, operation, method, path string, query url.Values, body any) (*apiEnvelope, error) {
	if err := c.pacer.Wait(ctx); err != nil {
		return nil, err
	}

	cred, err := c.tokens.GetValidCredential(ctx)
	if err != nil {
		return nil, err
	}

	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var payload []byte
	if body != nil {
		payload, err = json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode %s body: %w", operation, err)
		}
	}

	requestID := uuid.NewString()
	logDebug("upstream.request", "operation", operation, "method", method, "path", path, "request_id", requestID)

	resp, err := c.doer.Do(ctx, upstreamRequest{
		Method:  method,
		URL:     target,
		Headers: buildAPIHeaders(cred, requestID, payload != nil),
		Body:    payload,
	})
	if err != nil {
		return nil, fmt.Errorf("%s request failed: %w", operation, err)
	}

	logDebug("upstream.response", "operation", operation, "status_code", resp.StatusCode, "request_id", requestID)

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%s: %w", operation, ErrNotFound)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, newRemoteError(operation, resp.StatusCode, resp.Header, errorDetail(resp.Body))
	}

	env, err := decodeEnvelope(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", operation, err)
	}
	if env.notFound() {
		return nil, fmt.Errorf("%s: %w: %s", operation, ErrNotFound, env.problemDetail())
	}
	if !env.hasData() {
		if len(env.Errors) > 0 {
			return nil, errors.New(operation + ": " + env.problemDetail())
		}
		// Empty result sets (search, timelines) come back without data.
		if env.Meta.ResultCount == 0 && method == http.MethodGet {
			return env, nil
		}
		return nil, fmt.Errorf("%s: upstream payload missing data", operation)
	}
	return env, nil
}

func buildAPIHeaders(cred Credential, requestID string, hasBody bool) [][2]string {
	tokenType := cred.TokenType
	if tokenType == "" || strings.EqualFold(tokenType, "bearer") {
		tokenType = "Bearer"
	}
	headers := [][2]string{
		{"accept", "application/json"},
		{"authorization", tokenType + " " + cred.AccessToken},
	}
	if hasBody {
		headers = append(headers, [2]string{"content-type", "application/json"})
	}
	headers = append(headers, [2]string{"x-request-id", requestID})
	return headers
}

func postQuery() url.Values {
	q := url.Values{}
	q.Set("tweet.fields", tweetFields)
	q.Set("user.fields", userFields)
	q.Set("expansions", expansions)
	return q
}

func userQuery() url.Values {
	q := url.Values{}
	q.Set("user.fields", userFields)
	return q
}

func clampInt(v, min, max int) int {
	if v <= 0 {
		v = defaultMaxResults
	}
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
