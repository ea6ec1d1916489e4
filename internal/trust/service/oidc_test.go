package service

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/aussiebroadwan/trustcore/internal/trust/domain"
	"github.com/aussiebroadwan/trustcore/pkg/idx"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

// fakeIdP is an httptest OIDC provider: a token endpoint returning whatever
// id_token the test primed, and a JWKS endpoint serving the signing key.
type fakeIdP struct {
	server *httptest.Server
	key    *rsa.PrivateKey

	idToken     string
	tokenStatus int
}

func newFakeIdP(t *testing.T) *fakeIdP {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	idp := &fakeIdP{key: key, tokenStatus: http.StatusOK}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /token", func(w http.ResponseWriter, r *http.Request) {
		if idp.tokenStatus != http.StatusOK {
			w.WriteHeader(idp.tokenStatus)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"id_token": idp.idToken})
	})
	mux.HandleFunc("GET /jwks", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"keys": []map[string]string{{
				"kty": "RSA",
				"kid": "test-key",
				"n":   base64.RawURLEncoding.EncodeToString(key.N.Bytes()),
				"e":   "AQAB",
			}},
		})
	})

	idp.server = httptest.NewServer(mux)
	t.Cleanup(idp.server.Close)
	return idp
}

func (idp *fakeIdP) provider() OIDCProvider {
	return OIDCProvider{
		Name:         "idp",
		Issuer:       "https://idp.test",
		ClientID:     "trustcore-client",
		ClientSecret: "s3cret",
		AuthorizeURL: "https://idp.test/authorize",
		TokenURL:     idp.server.URL + "/token",
		JWKSURL:      idp.server.URL + "/jwks",
		RedirectURL:  "https://console.test/callback",
	}
}

// signIDToken mints an RS256 id_token the way the provider would.
func (idp *fakeIdP) signIDToken(t *testing.T, subject, nonce, email string) string {
	t.Helper()
	return idp.sign(t, jwt.MapClaims{
		"iss":            "https://idp.test",
		"aud":            "trustcore-client",
		"sub":            subject,
		"exp":            time.Now().Add(5 * time.Minute).Unix(),
		"iat":            time.Now().Unix(),
		"nonce":          nonce,
		"email":          email,
		"email_verified": true,
	})
}

func (idp *fakeIdP) sign(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = "test-key"

	signed, err := token.SignedString(idp.key)
	require.NoError(t, err)
	return signed
}

func newOIDCFixture(t *testing.T) (*OIDCService, *fakeIdP) {
	t.Helper()
	st := newTestStore(t)
	idp := newFakeIdP(t)

	svc := &OIDCService{
		Providers: map[string]OIDCProvider{"idp": idp.provider()},
		Store:     st,
		Sessions:  &SessionService{Store: st, Codec: newTestCodec()},
		Policy:    &PolicyService{Store: st},
		Audit:     &AuditService{Store: st},
		Client:    &http.Client{Timeout: 2 * time.Second},
	}
	return svc, idp
}

// startFlow runs Start and extracts the state and nonce from the redirect URL.
func startFlow(t *testing.T, ctx context.Context, svc *OIDCService) (state, nonce string) {
	t.Helper()

	authURL, state, err := svc.Start(ctx, "idp")
	require.NoError(t, err)

	parsed, err := url.Parse(authURL)
	require.NoError(t, err)
	q := parsed.Query()
	require.Equal(t, "code", q.Get("response_type"))
	require.Equal(t, state, q.Get("state"))
	require.NotEmpty(t, q.Get("nonce"))
	return state, q.Get("nonce")
}

func seedSSOUser(t *testing.T, ctx context.Context, svc *OIDCService, subject, email string) domain.User {
	t.Helper()

	now := time.Now()
	u := domain.User{
		ID:         idx.New().String(),
		Email:      email,
		Name:       "SSO Operator",
		Status:     domain.UserActive,
		SSOSubject: &subject,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	require.NoError(t, svc.Store.Users().CreateUser(ctx, u))
	return u
}

func TestOIDCLoginFlow(t *testing.T) {
	ctx := context.Background()
	svc, idp := newOIDCFixture(t)

	u := seedSSOUser(t, ctx, svc, "idp|alice", "alice@example.com")

	state, nonce := startFlow(t, ctx, svc)
	idp.idToken = idp.signIDToken(t, "idp|alice", nonce, u.Email)

	pair, err := svc.Callback(ctx, CallbackInput{Provider: "idp", State: state, Code: "authcode"})
	require.NoError(t, err)
	require.NotEmpty(t, pair.AccessToken)
	require.NotEmpty(t, pair.RefreshToken)

	t.Run("state is single use", func(t *testing.T) {
		_, err := svc.Callback(ctx, CallbackInput{Provider: "idp", State: state, Code: "authcode"})
		require.ErrorIs(t, err, ErrInvalidState)
	})

	t.Run("nonce is single use across flows", func(t *testing.T) {
		state2, _ := startFlow(t, ctx, svc)
		// The id_token replays the consumed nonce from the first flow.
		idp.idToken = idp.signIDToken(t, "idp|alice", nonce, u.Email)

		_, err := svc.Callback(ctx, CallbackInput{Provider: "idp", State: state2, Code: "authcode"})
		require.ErrorIs(t, err, ErrInvalidNonce)
	})
}

func TestOIDCMatchesByVerifiedEmail(t *testing.T) {
	ctx := context.Background()
	svc, idp := newOIDCFixture(t)

	// No SSO subject on file yet; the verified email is the fallback.
	u := seedUser(t, ctx, svc.Store, "bob@example.com", "")

	state, nonce := startFlow(t, ctx, svc)
	idp.idToken = idp.signIDToken(t, "idp|bob", nonce, u.Email)

	pair, err := svc.Callback(ctx, CallbackInput{Provider: "idp", State: state, Code: "authcode"})
	require.NoError(t, err)
	require.NotEmpty(t, pair.AccessToken)

	// The subject is bound so the next login resolves directly.
	got, err := svc.Store.Users().GetUserBySSOSubject(ctx, "idp|bob")
	require.NoError(t, err)
	require.Equal(t, u.ID, got.ID)
}

func TestOIDCProvisioning(t *testing.T) {
	ctx := context.Background()
	svc, idp := newOIDCFixture(t)

	t.Run("verified identity gets a roleless account", func(t *testing.T) {
		state, nonce := startFlow(t, ctx, svc)
		idp.idToken = idp.signIDToken(t, "idp|stranger", nonce, "Stranger@Example.com")

		pair, err := svc.Callback(ctx, CallbackInput{Provider: "idp", State: state, Code: "authcode"})
		require.NoError(t, err)
		require.NotEmpty(t, pair.AccessToken)

		u, err := svc.Store.Users().GetUserBySSOSubject(ctx, "idp|stranger")
		require.NoError(t, err)
		require.Equal(t, "stranger@example.com", u.Email)
		require.NotNil(t, u.EmailVerifiedAt)
		require.Empty(t, u.PasswordHash)

		roles, err := svc.Store.Users().GetUserRoles(ctx, u.ID)
		require.NoError(t, err)
		require.Empty(t, roles)
	})

	t.Run("unverified email is rejected", func(t *testing.T) {
		state, nonce := startFlow(t, ctx, svc)
		idp.idToken = idp.sign(t, jwt.MapClaims{
			"iss":            "https://idp.test",
			"aud":            "trustcore-client",
			"sub":            "idp|shady",
			"exp":            time.Now().Add(5 * time.Minute).Unix(),
			"iat":            time.Now().Unix(),
			"nonce":          nonce,
			"email":          "shady@example.com",
			"email_verified": false,
		})

		_, err := svc.Callback(ctx, CallbackInput{Provider: "idp", State: state, Code: "authcode"})
		require.ErrorIs(t, err, ErrSSOUserUnknown)
	})
}

func TestOIDCAuditsIPDenial(t *testing.T) {
	ctx := context.Background()
	svc, idp := newOIDCFixture(t)

	u := seedSSOUser(t, ctx, svc, "idp|alice", "alice@example.com")
	require.NoError(t, svc.Store.Users().UpdateIPAllowlist(ctx, u.ID, []string{"10.0.0.0/8"}))

	state, nonce := startFlow(t, ctx, svc)
	idp.idToken = idp.signIDToken(t, "idp|alice", nonce, u.Email)

	_, err := svc.Callback(ctx, CallbackInput{
		Provider: "idp", State: state, Code: "authcode", IPAddress: "203.0.113.9",
	})
	require.ErrorIs(t, err, ErrIPNotAllowed)

	entries, err := svc.Audit.List(ctx, domain.AuditFilter{
		PlatformUserID: u.ID, ActionContains: "auth.sso_login_denied",
	})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "ip_denied", entries[0].Changes["reason"])
	require.Equal(t, "203.0.113.9", entries[0].IPAddress)
}

func TestOIDCProviderUnavailable(t *testing.T) {
	ctx := context.Background()
	svc, idp := newOIDCFixture(t)

	seedSSOUser(t, ctx, svc, "idp|alice", "alice@example.com")

	t.Run("5xx from the token endpoint", func(t *testing.T) {
		state, _ := startFlow(t, ctx, svc)
		idp.tokenStatus = http.StatusBadGateway

		_, err := svc.Callback(ctx, CallbackInput{Provider: "idp", State: state, Code: "authcode"})
		require.ErrorIs(t, err, ErrProviderUnavailable)
		idp.tokenStatus = http.StatusOK
	})

	t.Run("unreachable jwks endpoint", func(t *testing.T) {
		broken := idp.provider()
		broken.JWKSURL = "http://127.0.0.1:1/jwks"
		svc.Providers["idp"] = broken

		state, nonce := startFlow(t, ctx, svc)
		idp.idToken = idp.signIDToken(t, "idp|alice", nonce, "alice@example.com")

		_, err := svc.Callback(ctx, CallbackInput{Provider: "idp", State: state, Code: "authcode"})
		require.ErrorIs(t, err, ErrProviderUnavailable)
	})
}

func TestOIDCUnknownProvider(t *testing.T) {
	ctx := context.Background()
	svc, _ := newOIDCFixture(t)

	_, _, err := svc.Start(ctx, "ghost")
	require.ErrorIs(t, err, ErrUnknownProvider)

	_, err = svc.Callback(ctx, CallbackInput{Provider: "ghost"})
	require.ErrorIs(t, err, ErrUnknownProvider)
}
