// Package auth provides the token providers the chat manager calls before
// connecting and whenever the service reports an expired token.
package auth

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

// TokenProvider returns a bearer token on demand. Invalidate forgets a cached
// token so that the next Token call fetches a fresh one.
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
	Invalidate()
}

// Static always returns the same token.
type Static struct {
	token string
}

func NewStatic(token string) *Static {
	return &Static{token: token}
}

func (s *Static) Token(context.Context) (string, error) {
	if s.token == "" {
		return "", errors.New("auth: static token is empty")
	}
	return s.token, nil
}

func (s *Static) Invalidate() {}

// ExpiryLeeway is subtracted from a token's lifetime so that it is refreshed
// before the service starts refusing it.
const ExpiryLeeway = 30 * time.Second

type HTTPOptions struct {
	URL         string
	QueryParams map[string]string
	Headers     map[string]string
	// WithCredentials keeps cookies set by the token endpoint across fetches.
	WithCredentials bool
	UserID          string
	Client          *http.Client
	Logger          *zerolog.Logger
}

// HTTPProvider fetches tokens from a token endpoint using the client
// credentials grant.
type HTTPProvider struct {
	endpoint string
	headers  map[string]string
	userID   string
	client   *http.Client
	now      func() time.Time
	log      zerolog.Logger
	group    singleflight.Group

	mu     sync.Mutex
	token  string
	expiry time.Time
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
}

func NewHTTPProvider(opts HTTPOptions) (*HTTPProvider, error) {
	if strings.TrimSpace(opts.URL) == "" {
		return nil, errors.New("auth: token url is empty")
	}
	u, err := url.Parse(opts.URL)
	if err != nil {
		return nil, errors.Wrap(err, "auth: parse token url")
	}
	if len(opts.QueryParams) > 0 {
		q := u.Query()
		for k, v := range opts.QueryParams {
			q.Set(k, v)
		}
		u.RawQuery = q.Encode()
	}

	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if opts.WithCredentials && client.Jar == nil {
		jar, err := cookiejar.New(nil)
		if err != nil {
			return nil, errors.Wrap(err, "auth: cookie jar")
		}
		c := *client
		c.Jar = jar
		client = &c
	}

	logger := log.With().Str("component", "auth").Logger()
	if opts.Logger != nil {
		logger = opts.Logger.With().Str("component", "auth").Logger()
	}

	return &HTTPProvider{
		endpoint: u.String(),
		headers:  opts.Headers,
		userID:   opts.UserID,
		client:   client,
		now:      time.Now,
		log:      logger,
	}, nil
}

// Token returns the cached token while it is valid. Concurrent callers share
// one fetch.
func (p *HTTPProvider) Token(ctx context.Context) (string, error) {
	if tok, ok := p.cached(); ok {
		return tok, nil
	}
	ch := p.group.DoChan("token", func() (any, error) {
		if tok, ok := p.cached(); ok {
			return tok, nil
		}
		return p.fetch(context.WithoutCancel(ctx))
	})
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			return "", r.Err
		}
		return r.Val.(string), nil
	}
}

func (p *HTTPProvider) Invalidate() {
	p.mu.Lock()
	p.token = ""
	p.expiry = time.Time{}
	p.mu.Unlock()
}

func (p *HTTPProvider) cached() (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.token == "" {
		return "", false
	}
	if !p.expiry.IsZero() && !p.now().Before(p.expiry) {
		return "", false
	}
	return p.token, true
}

func (p *HTTPProvider) fetch(ctx context.Context) (string, error) {
	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	if p.userID != "" {
		form.Set("user_id", p.userID)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return "", errors.Wrap(err, "auth: build token request")
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	for k, v := range p.headers {
		req.Header.Set(k, v)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return "", errors.Wrap(err, "auth: token request")
	}
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", errors.Wrap(err, "auth: read token response")
	}
	if resp.StatusCode/100 != 2 {
		return "", errors.Errorf("auth: token endpoint returned %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return "", errors.Wrap(err, "auth: decode token response")
	}
	if tr.AccessToken == "" {
		return "", errors.New("auth: token response has no access_token")
	}

	expiry := p.expiryOf(tr)
	p.mu.Lock()
	p.token = tr.AccessToken
	p.expiry = expiry
	p.mu.Unlock()
	p.log.Debug().Str("user_id", p.userID).Time("expires", expiry).Msg("fetched token")
	return tr.AccessToken, nil
}

// expiryOf prefers expires_in and falls back to the JWT exp claim. A zero time
// means the token never expires locally; the service still decides.
func (p *HTTPProvider) expiryOf(tr tokenResponse) time.Time {
	var exp time.Time
	if tr.ExpiresIn > 0 {
		exp = p.now().Add(time.Duration(tr.ExpiresIn) * time.Second)
	} else if e, ok := jwtExpiry(tr.AccessToken); ok {
		exp = e
	} else {
		return time.Time{}
	}
	if lifetime := exp.Sub(p.now()); lifetime > 2*ExpiryLeeway {
		exp = exp.Add(-ExpiryLeeway)
	}
	return exp
}

// jwtExpiry reads the exp claim without verifying the signature; the token is
// only inspected to schedule its refresh.
func jwtExpiry(token string) (time.Time, bool) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}

