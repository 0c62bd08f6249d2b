package main

import (
	"context"
	"encoding/base64"
	"errors"
	"net/url"
	"testing"
)

func TestOAuth2Client_RefreshForm(t *testing.T) {
	doer := &recordedDoer{respond: func(upstreamRequest) (*upstreamResponse, error) {
		return jsonResponse(200, `{"token_type":"bearer","expires_in":7200,"access_token":"new-access","scope":"tweet.read offline.access","refresh_token":"new-refresh"}`), nil
	}}
	c := NewOAuth2Client(doer, defaultTokenURL, "client-1", "s3cret")

	grant, err := c.Refresh(context.Background(), "old-refresh")
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if grant.AccessToken != "new-access" || grant.RefreshToken != "new-refresh" || grant.ExpiresIn != 7200 {
		t.Errorf("grant = %+v", grant)
	}

	req := doer.last()
	if req.URL != defaultTokenURL {
		t.Errorf("url = %s", req.URL)
	}
	form, err := url.ParseQuery(string(req.Body))
	if err != nil {
		t.Fatalf("parse form: %v", err)
	}
	if form.Get("grant_type") != "refresh_token" || form.Get("refresh_token") != "old-refresh" || form.Get("client_id") != "client-1" {
		t.Errorf("form = %v", form)
	}
	wantAuth := "Basic " + base64.StdEncoding.EncodeToString([]byte("client-1:s3cret"))
	if got := headerValue(req, "authorization"); got != wantAuth {
		t.Errorf("authorization = %q, want %q", got, wantAuth)
	}
}

func TestOAuth2Client_PublicClientSkipsBasicAuth(t *testing.T) {
	doer := &recordedDoer{respond: func(upstreamRequest) (*upstreamResponse, error) {
		return jsonResponse(200, `{"access_token":"a","expires_in":7200}`), nil
	}}
	c := NewOAuth2Client(doer, defaultTokenURL, "client-1", "")

	if _, err := c.Refresh(context.Background(), "r"); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if got := headerValue(doer.last(), "authorization"); got != "" {
		t.Errorf("authorization = %q, want none", got)
	}
}

func TestOAuth2Client_RejectedGrant(t *testing.T) {
	doer := &recordedDoer{respond: func(upstreamRequest) (*upstreamResponse, error) {
		return jsonResponse(400, `{"error":"invalid_request","error_description":"Value passed for the token was invalid."}`), nil
	}}
	c := NewOAuth2Client(doer, defaultTokenURL, "client-1", "")

	_, err := c.Refresh(context.Background(), "spent")
	var remote *RemoteError
	if !errors.As(err, &remote) {
		t.Fatalf("err = %v, want *RemoteError", err)
	}
	if remote.StatusCode != 400 || remote.Retryable() {
		t.Errorf("remote = %+v", remote)
	}
	if remote.Detail != "invalid_request: Value passed for the token was invalid." {
		t.Errorf("detail = %q", remote.Detail)
	}
}

func TestOAuth2Client_MissingInputs(t *testing.T) {
	doer := &recordedDoer{respond: func(upstreamRequest) (*upstreamResponse, error) {
		t.Fatal("request sent")
		return nil, nil
	}}
	if _, err := NewOAuth2Client(doer, defaultTokenURL, "client-1", "").Refresh(context.Background(), " "); err == nil {
		t.Error("empty refresh token accepted")
	}
	if _, err := NewOAuth2Client(doer, defaultTokenURL, "", "").Refresh(context.Background(), "r"); err == nil {
		t.Error("missing client id accepted")
	}
}
