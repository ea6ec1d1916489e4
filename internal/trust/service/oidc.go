package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/aussiebroadwan/trustcore/internal/trust/domain"
	"github.com/aussiebroadwan/trustcore/internal/trust/obs"
	"github.com/aussiebroadwan/trustcore/internal/trust/store"
	"github.com/aussiebroadwan/trustcore/pkg/cryptox"
	"github.com/aussiebroadwan/trustcore/pkg/idx"
	"github.com/aussiebroadwan/trustcore/pkg/slogx"
	"github.com/aussiebroadwan/trustcore/pkg/tokenx"
	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrUnknownProvider = errors.New("unknown_provider")
	ErrInvalidState    = errors.New("invalid_state")
	ErrInvalidNonce    = errors.New("invalid_nonce")

	// ErrSSOUserUnknown means the id_token carried no verified email, so the
	// identity can neither be matched to an account nor provisioned.
	ErrSSOUserUnknown = errors.New("sso_user_unknown")

	// ErrProviderUnavailable means the upstream IdP could not be reached or
	// answered with a server error. The caller should retry, not treat it as
	// an authentication failure.
	ErrProviderUnavailable = errors.New("provider_unavailable")
)

const stateTTL = 10 * time.Minute

// OIDCProvider is one configured upstream identity provider.
type OIDCProvider struct {
	Name         string
	Issuer       string
	ClientID     string
	ClientSecret string
	AuthorizeURL string
	TokenURL     string
	JWKSURL      string
	RedirectURL  string
	Scopes       []string
}

// OIDCService runs the authorization-code login flow against configured
// providers. State and nonce values are single-use and stored hashed; the
// id_token signature is verified against the provider's JWKS.
type OIDCService struct {
	Providers map[string]OIDCProvider
	Store     store.Store
	Sessions  *SessionService
	Policy    *PolicyService
	Audit     *AuditService
	Metrics   *obs.Metrics

	// Client talks to the provider's token and JWKS endpoints. It must have
	// a timeout; a hung IdP should surface as ErrProviderUnavailable, not a
	// stuck request.
	Client *http.Client

	jwks *jwksCache
}

func (s *OIDCService) httpClient() *http.Client {
	if s.Client != nil {
		return s.Client
	}
	return &http.Client{Timeout: 10 * time.Second}
}

func (s *OIDCService) keys() *jwksCache {
	if s.jwks == nil {
		s.jwks = newJWKSCache(s.httpClient())
	}
	return s.jwks
}

// Start begins a login: it stores hashed single-use state and nonce values
// and returns the provider authorization URL to redirect the user to.
func (s *OIDCService) Start(ctx context.Context, providerName string) (authURL, state string, err error) {
	p, ok := s.Providers[providerName]
	if !ok {
		return "", "", ErrUnknownProvider
	}

	now := time.Now()
	state, err = cryptox.GenerateToken(cryptox.TokenSize128)
	if err != nil {
		return "", "", err
	}
	nonce, err := cryptox.GenerateToken(cryptox.TokenSize128)
	if err != nil {
		return "", "", err
	}

	expires := now.Add(stateTTL)
	if err := s.Store.Nonces().CreateNonce(ctx, cryptox.FingerprintToken(state), p.Name, expires); err != nil {
		return "", "", err
	}
	if err := s.Store.Nonces().CreateNonce(ctx, cryptox.FingerprintToken(nonce), p.Name, expires); err != nil {
		return "", "", err
	}

	scopes := p.Scopes
	if len(scopes) == 0 {
		scopes = []string{"openid", "email", "profile"}
	}

	q := url.Values{}
	q.Set("response_type", "code")
	q.Set("client_id", p.ClientID)
	q.Set("redirect_uri", p.RedirectURL)
	q.Set("scope", strings.Join(scopes, " "))
	q.Set("state", state)
	q.Set("nonce", nonce)

	return p.AuthorizeURL + "?" + q.Encode(), state, nil
}

// CallbackInput is what the provider redirect delivers back.
type CallbackInput struct {
	Provider  string
	State     string
	Code      string
	IPAddress string
	UserAgent string
}

// Callback completes a login: consumes the state, exchanges the code,
// verifies the id_token against the provider JWKS, consumes the nonce, and
// issues a platform session for the matched user.
func (s *OIDCService) Callback(ctx context.Context, in CallbackInput) (*domain.TokenPair, error) {
	now := time.Now()
	l := slogx.FromContext(ctx)

	p, ok := s.Providers[in.Provider]
	if !ok {
		return nil, ErrUnknownProvider
	}

	ok, err := s.Store.Nonces().ConsumeNonce(ctx, cryptox.FingerprintToken(in.State), now)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrInvalidState
	}

	idToken, err := s.exchangeCode(ctx, p, in.Code)
	if err != nil {
		return nil, err
	}

	claims, err := s.verifyIDToken(ctx, p, idToken)
	if err != nil {
		return nil, err
	}

	// The nonce inside the id_token must be one we minted, and only once.
	ok, err = s.Store.Nonces().ConsumeNonce(ctx, cryptox.FingerprintToken(claims.Nonce), now)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrInvalidNonce
	}

	u, created, err := s.resolveUser(ctx, claims)
	if err != nil {
		return nil, err
	}
	if created {
		_ = s.Audit.Record(ctx, RecordInput{
			ActorID:    u.ID,
			Action:     "user.sso_provisioned",
			Resource:   "platform_user",
			ResourceID: u.ID,
			Changes:    map[string]any{"provider": p.Name},
			IPAddress:  in.IPAddress,
			UserAgent:  in.UserAgent,
		})
	}
	if err := s.Policy.CheckUserAccess(ctx, u, in.IPAddress); err != nil {
		if errors.Is(err, ErrIPNotAllowed) {
			_ = s.Audit.Record(ctx, RecordInput{
				ActorID:   u.ID,
				Action:    "auth.sso_login_denied",
				Resource:  "session",
				Changes:   map[string]any{"reason": "ip_denied", "provider": p.Name},
				IPAddress: in.IPAddress,
				UserAgent: in.UserAgent,
			})
		}
		return nil, err
	}

	pair, err := s.Sessions.Issue(ctx, u, []string{tokenx.AMRExternal}, now)
	if err != nil {
		return nil, err
	}

	if s.Metrics != nil {
		s.Metrics.Logins.WithLabelValues("sso").Inc()
	}
	_ = s.Audit.Record(ctx, RecordInput{
		ActorID:   u.ID,
		Action:    "auth.sso_login",
		Resource:  "session",
		Changes:   map[string]any{"provider": p.Name},
		IPAddress: in.IPAddress,
		UserAgent: in.UserAgent,
	})

	l.Info("sso login succeeded",
		slog.String("user_id", u.ID),
		slog.String("provider", p.Name))
	return pair, nil
}

// idTokenClaims are the OIDC claims this flow consumes.
type idTokenClaims struct {
	jwt.RegisteredClaims
	Nonce         string `json:"nonce"`
	Email         string `json:"email"`
	EmailVerified bool   `json:"email_verified"`
	Name          string `json:"name"`
}

func (s *OIDCService) exchangeCode(ctx context.Context, p OIDCProvider, code string) (string, error) {
	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("redirect_uri", p.RedirectURL)
	form.Set("client_id", p.ClientID)
	form.Set("client_secret", p.ClientSecret)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.TokenURL,
		strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.httpClient().Do(req)
	if err != nil {
		slogx.FromContext(ctx).Warn("token exchange failed",
			slog.String("provider", p.Name),
			slog.Any("error", err))
		return "", ErrProviderUnavailable
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return "", ErrProviderUnavailable
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("token endpoint returned %d: %w", resp.StatusCode, ErrInvalidState)
	}

	var body struct {
		IDToken string `json:"id_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", ErrProviderUnavailable
	}
	if body.IDToken == "" {
		return "", ErrInvalidState
	}
	return body.IDToken, nil
}

func (s *OIDCService) verifyIDToken(ctx context.Context, p OIDCProvider, raw string) (idTokenClaims, error) {
	var claims idTokenClaims
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{"RS256"}),
		jwt.WithIssuer(p.Issuer),
		jwt.WithAudience(p.ClientID),
	)

	_, err := parser.ParseWithClaims(raw, &claims, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		return s.keys().publicKey(ctx, p.JWKSURL, kid)
	})
	if err != nil {
		if errors.Is(err, ErrProviderUnavailable) {
			return idTokenClaims{}, ErrProviderUnavailable
		}
		return idTokenClaims{}, fmt.Errorf("id_token verification failed: %w", err)
	}
	return claims, nil
}

// resolveUser maps the id_token to a platform user: first by stored SSO
// subject, then by verified email (binding the subject for next time). A
// verified identity with no local account gets one provisioned, carrying no
// roles until an admin assigns some.
func (s *OIDCService) resolveUser(ctx context.Context, claims idTokenClaims) (u domain.User, created bool, err error) {
	u, err = s.Store.Users().GetUserBySSOSubject(ctx, claims.Subject)
	if err == nil {
		return u, false, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return domain.User{}, false, err
	}

	if claims.Email == "" || !claims.EmailVerified {
		return domain.User{}, false, ErrSSOUserUnknown
	}

	email := strings.ToLower(claims.Email)
	u, err = s.Store.Users().GetUserByEmail(ctx, email)
	if err == nil {
		if err := s.Store.Users().BindSSOSubject(ctx, u.ID, claims.Subject); err != nil {
			return domain.User{}, false, err
		}
		subject := claims.Subject
		u.SSOSubject = &subject
		return u, false, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return domain.User{}, false, err
	}

	now := time.Now()
	subject := claims.Subject
	verifiedAt := now
	name := claims.Name
	if name == "" {
		name = email
	}
	u = domain.User{
		ID:              idx.New().String(),
		Email:           email,
		Name:            name,
		Status:          domain.UserActive,
		SSOSubject:      &subject,
		EmailVerifiedAt: &verifiedAt,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.Store.Users().CreateUser(ctx, u); err != nil {
		// A concurrent callback for the same identity may have won; fall
		// back to the row it created.
		if errors.Is(err, store.ErrAlreadyExists) {
			u, err = s.Store.Users().GetUserByEmail(ctx, email)
			return u, false, err
		}
		return domain.User{}, false, err
	}
	return u, true, nil
}
