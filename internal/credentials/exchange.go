package credentials

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/albapepper/gig-dispatch/internal/metrics"
)

const (
	assertionLifetime = time.Hour
	refreshSkew       = 30 * time.Second
	maxErrorBody      = 4 << 10
	exchangeTimeout   = 30 * time.Second
)

// Exchange mints and caches access tokens. Construct one per process and
// share it; it is safe for concurrent use. Concurrent refreshes for the
// same account collapse into a single token request.
type Exchange struct {
	client *http.Client
	logger *slog.Logger
	now    func() time.Time

	group singleflight.Group

	mu        sync.Mutex
	cached    *oauth2.Token
	cachedFor string
}

// Option configures an Exchange.
type Option func(*Exchange)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(x *Exchange) { x.now = now }
}

// NewExchange creates an Exchange using client for token requests.
func NewExchange(client *http.Client, logger *slog.Logger, opts ...Option) *Exchange {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	x := &Exchange{
		client: client,
		logger: logger.With("component", "credential-exchange"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(x)
	}
	return x
}

// AccessToken returns a bearer token for acct, exchanging a fresh
// assertion when nothing usable is cached. A single attempt is made per
// call; failures are returned as *Error.
func (x *Exchange) AccessToken(ctx context.Context, acct ServiceAccount) (string, error) {
	key := acct.cacheKey()
	if tok, ok := x.fresh(key); ok {
		return tok, nil
	}

	// The exchange is shared by every concurrent caller, so it must not die
	// with whichever caller happened to start it. Each caller still stops
	// waiting when its own ctx is done.
	ch := x.group.DoChan(key, func() (any, error) {
		if tok, ok := x.fresh(key); ok {
			return tok, nil
		}
		sharedCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), exchangeTimeout)
		defer cancel()

		tok, err := x.exchange(sharedCtx, acct)
		if err != nil {
			metrics.CredentialExchanges.WithLabelValues("error").Inc()
			return "", err
		}
		metrics.CredentialExchanges.WithLabelValues("ok").Inc()

		x.mu.Lock()
		x.cached, x.cachedFor = tok, key
		x.mu.Unlock()

		x.logger.Debug("access token refreshed",
			"client_email", acct.ClientEmail,
			"expires_at", tok.Expiry.Format(time.RFC3339))
		return tok.AccessToken, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		return "", &Error{Op: "exchange", Err: ctx.Err()}
	}
}

// fresh returns the cached token if it belongs to key and is not within
// refreshSkew of expiry.
func (x *Exchange) fresh(key string) (string, bool) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.cached == nil || x.cachedFor != key {
		return "", false
	}
	if !x.now().Before(x.cached.Expiry.Add(-refreshSkew)) {
		return "", false
	}
	return x.cached.AccessToken, true
}

// Invalidate drops the cached token so the next call re-exchanges.
func (x *Exchange) Invalidate() {
	x.mu.Lock()
	x.cached, x.cachedFor = nil, ""
	x.mu.Unlock()
}

func (x *Exchange) exchange(ctx context.Context, acct ServiceAccount) (*oauth2.Token, error) {
	now := x.now()

	assertion, err := signAssertion(acct, now)
	if err != nil {
		return nil, &Error{Op: "sign", Err: err}
	}

	form := url.Values{
		"grant_type": {JWTBearerGrant},
		"assertion":  {assertion},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, acct.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, &Error{Op: "exchange", Err: err}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := x.client.Do(req)
	if err != nil {
		return nil, &Error{Op: "exchange", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &Error{Op: "exchange", StatusCode: resp.StatusCode, Body: string(body)}
	}

	var payload struct {
		AccessToken string `json:"access_token"`
		TokenType   string `json:"token_type"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, &Error{Op: "decode", Err: err}
	}
	if payload.AccessToken == "" {
		return nil, &Error{Op: "decode", Err: fmt.Errorf("response has no access_token")}
	}

	return &oauth2.Token{
		AccessToken: payload.AccessToken,
		TokenType:   payload.TokenType,
		Expiry:      now.Add(time.Duration(payload.ExpiresIn) * time.Second),
	}, nil
}

// signAssertion builds the RS256 JWT presented to the token endpoint.
func signAssertion(acct ServiceAccount, now time.Time) (string, error) {
	key, err := jwt.ParseRSAPrivateKeyFromPEM(acct.PrivateKey)
	if err != nil {
		return "", fmt.Errorf("parse private key: %w", err)
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
		"iss":   acct.ClientEmail,
		"aud":   acct.TokenURL,
		"scope": MessagingScope,
		"iat":   now.Unix(),
		"exp":   now.Add(assertionLifetime).Unix(),
	})
	if acct.PrivateKeyID != "" {
		token.Header["kid"] = acct.PrivateKeyID
	}
	return token.SignedString(key)
}
