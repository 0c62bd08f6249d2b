package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// OAuth2Client exchanges refresh tokens at the platform's token endpoint.
type OAuth2Client struct {
	doer         upstreamDoer
	tokenURL     string
	clientID     string
	clientSecret string
}

func NewOAuth2Client(doer upstreamDoer, tokenURL, clientID, clientSecret string) *OAuth2Client {
	return &OAuth2Client{
		doer:         doer,
		tokenURL:     tokenURL,
		clientID:     clientID,
		clientSecret: clientSecret,
	}
}

func (c *OAuth2Client) Refresh(ctx context.Context, refreshToken string) (*TokenGrant, error) {
	if strings.TrimSpace(refreshToken) == "" {
		return nil, fmt.Errorf("missing refresh token")
	}
	if c.clientID == "" {
		return nil, fmt.Errorf("client id not configured")
	}

	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)
	form.Set("client_id", c.clientID)

	headers := [][2]string{
		{"content-type", "application/x-www-form-urlencoded"},
		{"accept", "application/json"},
	}
	if c.clientSecret != "" {
		basic := base64.StdEncoding.EncodeToString([]byte(url.QueryEscape(c.clientID) + ":" + url.QueryEscape(c.clientSecret)))
		headers = append(headers, [2]string{"authorization", "Basic " + basic})
	}

	resp, err := c.doer.Do(ctx, upstreamRequest{
		Method:  http.MethodPost,
		URL:     c.tokenURL,
		Headers: headers,
		Body:    []byte(form.Encode()),
	})
	if err != nil {
		return nil, fmt.Errorf("token request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, newRemoteError("oauth2_refresh", resp.StatusCode, resp.Header, errorDetail(resp.Body))
	}

	var grant TokenGrant
	if err := json.Unmarshal(resp.Body, &grant); err != nil {
		return nil, fmt.Errorf("parse token response: %w", err)
	}
	return &grant, nil
}
