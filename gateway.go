package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	azuretls "github.com/Noooste/azuretls-client"
)

// RemoteGateway is the call surface of the platform, normalized into this
// service's own Post/User/UserMetrics shapes.
type RemoteGateway interface {
	CreatePost(ctx context.Context, req CreatePostRequest) (Post, error)
	GetPost(ctx context.Context, id string) (Post, error)
	GetPosts(ctx context.Context, ids []string) ([]Post, error)
	SearchPosts(ctx context.Context, query string, maxResults int) (Timeline, error)
	GetUserByUsername(ctx context.Context, username string) (User, error)
	GetUserByID(ctx context.Context, id string) (User, error)
	GetUserMetrics(ctx context.Context, username string) (UserMetrics, error)
	Follow(ctx context.Context, targetUserID string) (ActionResult, error)
	Unfollow(ctx context.Context, targetUserID string) (ActionResult, error)
	Like(ctx context.Context, postID string) (ActionResult, error)
	Unlike(ctx context.Context, postID string) (ActionResult, error)
	Repost(ctx context.Context, postID string) (ActionResult, error)
	Unrepost(ctx context.Context, postID string) (ActionResult, error)
	GetHomeTimeline(ctx context.Context, maxResults int, paginationToken string) (Timeline, error)
	GetMentions(ctx context.Context, maxResults int, sinceID string) (Timeline, error)
}

type upstreamRequest struct {
	Method  string
	URL     string
	Headers [][2]string
	Body    []byte
}

type upstreamResponse struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

type upstreamDoer interface {
	Do(ctx context.Context, req upstreamRequest) (*upstreamResponse, error)
}

// azureDoer sends upstream requests over one shared azuretls session.
// In-flight requests are bounded by the session timeout, not by ctx.
type azureDoer struct {
	session *azuretls.Session
	timeout time.Duration
}

func newAzureDoer(timeout time.Duration) *azureDoer {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &azureDoer{session: azuretls.NewSession(), timeout: timeout}
}

func (d *azureDoer) Do(ctx context.Context, req upstreamRequest) (*upstreamResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	headers := azuretls.OrderedHeaders{}
	for _, h := range req.Headers {
		headers = append(headers, []string{h[0], h[1]})
	}

	var (
		resp *azuretls.Response
		err  error
	)
	switch req.Method {
	case http.MethodGet:
		resp, err = d.session.Get(req.URL, headers, d.timeout)
	case http.MethodPost:
		resp, err = d.session.Post(req.URL, req.Body, headers, d.timeout)
	case http.MethodDelete:
		resp, err = d.session.Delete(req.URL, headers, d.timeout)
	default:
		return nil, fmt.Errorf("unsupported method %s", req.Method)
	}
	if err != nil {
		return nil, err
	}

	return &upstreamResponse{
		StatusCode: resp.StatusCode,
		Header:     http.Header(resp.Header),
		Body:       resp.Body,
	}, nil
}

func (d *azureDoer) Close() {
	d.session.Close()
}
