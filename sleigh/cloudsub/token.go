// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package cloudsub

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/zeebo/errs"
	"go.uber.org/zap"
)

const maxTokenResponse = 1 << 20

// TokenSource exchanges the configured credentials for a bearer token and
// caches it until a refresh margin before expiry.
type TokenSource struct {
	log      *zap.Logger
	client   *http.Client
	endpoint string
	uaid     string
	secret   string
	margin   time.Duration

	mu      sync.Mutex
	token   string
	expires time.Time
}

// NewTokenSource creates a token source against the configured auth endpoint.
func NewTokenSource(log *zap.Logger, config Config) *TokenSource {
	return &TokenSource{
		log:      log,
		client:   &http.Client{Timeout: 10 * time.Second},
		endpoint: config.AuthEndpoint,
		uaid:     config.ID,
		secret:   config.Secret,
		margin:   config.RefreshMargin,
	}
}

// Token returns a token that stays valid for at least the refresh margin,
// fetching a new one when the cached token is close to expiry.
func (source *TokenSource) Token(ctx context.Context) (_ string, err error) {
	defer mon.Task()(&ctx)(&err)

	source.mu.Lock()
	defer source.mu.Unlock()

	if source.token != "" && time.Now().Before(source.expires) {
		return source.token, nil
	}

	token, ttl, err := source.fetch(ctx)
	if err != nil {
		return "", err
	}
	source.token = token
	source.expires = time.Now().Add(ttl - source.margin)
	source.log.Debug("token refreshed", zap.Duration("ttl", ttl))
	return token, nil
}

// Invalidate discards the cached token. Used after the broker rejects it.
func (source *TokenSource) Invalidate() {
	source.mu.Lock()
	defer source.mu.Unlock()
	source.token = ""
	source.expires = time.Time{}
}

func (source *TokenSource) fetch(ctx context.Context) (_ string, _ time.Duration, err error) {
	body, err := json.Marshal(map[string]string{
		"uaid":   source.uaid,
		"secret": source.secret,
	})
	if err != nil {
		return "", 0, Error.Wrap(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, source.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", 0, Error.Wrap(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := source.client.Do(req)
	if err != nil {
		return "", 0, Error.Wrap(err)
	}
	defer func() { err = errs.Combine(err, Error.Wrap(resp.Body.Close())) }()

	if resp.StatusCode != http.StatusOK {
		return "", 0, Error.New("auth endpoint returned %s", resp.Status)
	}

	var out struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxTokenResponse)).Decode(&out); err != nil {
		return "", 0, Error.New("malformed auth response: %w", err)
	}
	if out.AccessToken == "" {
		return "", 0, Error.New("auth response missing access_token")
	}
	if out.ExpiresIn <= 0 {
		return "", 0, Error.New("auth response missing expires_in")
	}
	return out.AccessToken, time.Duration(out.ExpiresIn) * time.Second, nil
}
