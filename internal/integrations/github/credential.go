package github

import (
	"crypto/rsa"
	"strconv"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"

	"github.com/karatsubalabs/gitbounties/internal/errdefs"
)

const (
	// appCredentialTTL is the lifetime GitHub allows for an App JWT.
	appCredentialTTL = 600 * time.Second

	// defaultRefreshMargin is how long before expiry a cached credential is
	// replaced, so a credential never expires mid-request.
	defaultRefreshMargin = 60 * time.Second
)

// Credential is a signed App-level JWT.
type Credential struct {
	Token     string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Valid reports whether the credential can still be used at now with the
// given margin before expiry.
func (c Credential) Valid(now time.Time, margin time.Duration) bool {
	return c.Token != "" && now.Before(c.ExpiresAt.Add(-margin))
}

// AppCredentialProvider issues and caches the GitHub App JWT. It is safe for
// concurrent use.
type AppCredentialProvider struct {
	appID  int64
	key    *rsa.PrivateKey
	now    func() time.Time
	margin time.Duration

	mu     sync.Mutex
	cached Credential
}

// CredentialOption configures an AppCredentialProvider.
type CredentialOption func(*AppCredentialProvider)

// WithClock overrides the time source.
func WithClock(now func() time.Time) CredentialOption {
	return func(p *AppCredentialProvider) {
		p.now = now
	}
}

// WithRefreshMargin sets how long before expiry the cached credential is renewed.
func WithRefreshMargin(margin time.Duration) CredentialOption {
	return func(p *AppCredentialProvider) {
		p.margin = margin
	}
}

// NewAppCredentialProvider parses the App private key (PKCS1 or PKCS8 PEM).
func NewAppCredentialProvider(appID int64, privateKeyPEM []byte, opts ...CredentialOption) (*AppCredentialProvider, error) {
	if appID <= 0 {
		return nil, errdefs.Credential(nil, "github app id is not configured")
	}
	if len(privateKeyPEM) == 0 {
		return nil, errdefs.Credential(nil, "github app private key is not configured")
	}

	key, err := jwt.ParseRSAPrivateKeyFromPEM(privateKeyPEM)
	if err != nil {
		return nil, errdefs.Credential(err, "parsing github app private key")
	}

	p := &AppCredentialProvider{
		appID:  appID,
		key:    key,
		now:    time.Now,
		margin: defaultRefreshMargin,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Issue signs a fresh credential with iss=AppID, iat=now and exp=now+600s.
func (p *AppCredentialProvider) Issue() (Credential, error) {
	now := p.now().Truncate(time.Second)
	exp := now.Add(appCredentialTTL)

	claims := jwt.MapClaims{
		"iss": strconv.FormatInt(p.appID, 10),
		"iat": now.Unix(),
		"exp": exp.Unix(),
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(p.key)
	if err != nil {
		return Credential{}, errdefs.Credential(err, "signing github app credential")
	}

	return Credential{Token: signed, IssuedAt: now, ExpiresAt: exp}, nil
}

// Current returns the cached credential while it is outside the refresh
// margin and issues a new one otherwise.
func (p *AppCredentialProvider) Current() (Credential, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cached.Valid(p.now(), p.margin) {
		return p.cached, nil
	}

	cred, err := p.Issue()
	if err != nil {
		return Credential{}, err
	}
	p.cached = cred
	return cred, nil
}

// Token implements oauth2.TokenSource so the App credential can drive an
// oauth2.Transport.
func (p *AppCredentialProvider) Token() (*oauth2.Token, error) {
	cred, err := p.Current()
	if err != nil {
		return nil, err
	}
	return &oauth2.Token{
		AccessToken: cred.Token,
		TokenType:   "Bearer",
		Expiry:      cred.ExpiresAt.Add(-p.margin),
	}, nil
}

var _ oauth2.TokenSource = (*AppCredentialProvider)(nil)
