package broker

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	gerr "github.com/alexjbarnes/graphgate/internal/errors"
	"github.com/alexjbarnes/graphgate/internal/state"
)

func testStore(t *testing.T) *state.Store {
	t.Helper()
	s, err := state.LoadAt(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func testBroker(t *testing.T, graph Caller) *Broker {
	t.Helper()
	cfg := Config{
		AppID:     "app-123",
		AppSecret: "secret-456",
		Scopes:    []string{"public_profile", "pages_show_list"},
	}
	return New(testStore(t), graph, cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestGenerateVerifier(t *testing.T) {
	a, err := GenerateVerifier(64)
	require.NoError(t, err)
	b, err := GenerateVerifier(64)
	require.NoError(t, err)

	// 64 bytes encode to 86 URL-safe characters without padding.
	assert.Len(t, a, 86)
	assert.NotEqual(t, a, b)
	assert.NotContains(t, a, "+")
	assert.NotContains(t, a, "/")
	assert.NotContains(t, a, "=")
}

func TestDeriveChallenge(t *testing.T) {
	// RFC 7636 appendix B vector.
	verifier := "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"
	assert.Equal(t, "E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cc", DeriveChallenge(verifier))
	assert.Equal(t, DeriveChallenge(verifier), DeriveChallenge(verifier))
}

func TestBeginAuthorization(t *testing.T) {
	b := testBroker(t, nil)

	authURL, stateToken, err := b.BeginAuthorization("https://gate.example.com/oauth/callback")
	require.NoError(t, err)
	require.NotEmpty(t, stateToken)

	u, err := url.Parse(authURL)
	require.NoError(t, err)
	q := u.Query()
	assert.Equal(t, "app-123", q.Get("client_id"))
	assert.Equal(t, "https://gate.example.com/oauth/callback", q.Get("redirect_uri"))
	assert.Equal(t, stateToken, q.Get("state"))
	assert.Equal(t, "code", q.Get("response_type"))
	assert.Equal(t, "S256", q.Get("code_challenge_method"))
	assert.Equal(t, "public_profile,pages_show_list", q.Get("scope"))
	assert.NotEmpty(t, q.Get("code_challenge"))

	pending, err := b.store.ConsumePendingAuth(stateToken)
	require.NoError(t, err)
	require.NotNil(t, pending)
	assert.Equal(t, q.Get("code_challenge"), DeriveChallenge(pending.Verifier))
	assert.Equal(t, "https://gate.example.com/oauth/callback", pending.RedirectURI)
}

func TestCompleteAuthorization(t *testing.T) {
	ctrl := gomock.NewController(t)
	graph := NewMockCaller(ctrl)
	b := testBroker(t, graph)

	// Stale page token from a previous identity must not survive re-auth.
	require.NoError(t, b.store.SavePageCredential(state.PageCredential{PageID: "p1", Token: "old"}))

	_, stateToken, err := b.BeginAuthorization("https://gate.example.com/oauth/callback")
	require.NoError(t, err)

	exchange := graph.EXPECT().
		Call(gomock.Any(), http.MethodGet, "/oauth/access_token", "", gomock.Any()).
		DoAndReturn(func(_ context.Context, _, _, _ string, params url.Values) ([]byte, error) {
			assert.Equal(t, "the-code", params.Get("code"))
			assert.NotEmpty(t, params.Get("code_verifier"))
			assert.Equal(t, "secret-456", params.Get("client_secret"))
			return []byte(`{"access_token":"short-tok","token_type":"bearer","expires_in":3600}`), nil
		})
	upgrade := graph.EXPECT().
		Call(gomock.Any(), http.MethodGet, "/oauth/access_token", "", gomock.Any()).
		DoAndReturn(func(_ context.Context, _, _, _ string, params url.Values) ([]byte, error) {
			assert.Equal(t, "fb_exchange_token", params.Get("grant_type"))
			assert.Equal(t, "short-tok", params.Get("fb_exchange_token"))
			return []byte(`{"access_token":"long-tok","token_type":"bearer","expires_in":5184000}`), nil
		})
	me := graph.EXPECT().
		Call(gomock.Any(), http.MethodGet, "/me", "long-tok", gomock.Any()).
		Return([]byte(`{"id":"100","name":"Test User"}`), nil)
	gomock.InOrder(exchange, upgrade, me)

	cred, err := b.CompleteAuthorization(context.Background(), "the-code", stateToken)
	require.NoError(t, err)
	assert.Equal(t, "long-tok", cred.Token)
	assert.Equal(t, "100", cred.OwnerID)
	assert.Equal(t, "Test User", cred.OwnerName)
	assert.NotZero(t, cred.ExpiresAt)

	owner, err := b.store.ActiveOwner()
	require.NoError(t, err)
	assert.Equal(t, "100", owner)

	stale, err := b.store.PageCredential("p1")
	require.NoError(t, err)
	assert.Nil(t, stale)

	// The state token is spent.
	_, err = b.CompleteAuthorization(context.Background(), "the-code", stateToken)
	assert.True(t, gerr.HasCode(err, gerr.CodeInvalidGrant))
}

func TestCompleteAuthorizationUnknownState(t *testing.T) {
	b := testBroker(t, nil)

	_, err := b.CompleteAuthorization(context.Background(), "code", "never-issued")
	assert.True(t, gerr.HasCode(err, gerr.CodeInvalidGrant))
}

func TestCompleteAuthorizationCodeRejected(t *testing.T) {
	ctrl := gomock.NewController(t)
	graph := NewMockCaller(ctrl)
	b := testBroker(t, graph)

	_, stateToken, err := b.BeginAuthorization("https://gate.example.com/oauth/callback")
	require.NoError(t, err)

	graph.EXPECT().
		Call(gomock.Any(), http.MethodGet, "/oauth/access_token", "", gomock.Any()).
		Return(nil, gerr.New(gerr.CodeUpstreamTerminal, "upstream rejected the request"))

	_, err = b.CompleteAuthorization(context.Background(), "bad-code", stateToken)
	assert.True(t, gerr.HasCode(err, gerr.CodeInvalidGrant))
}

func TestCompleteAuthorizationMalformedTokenResponse(t *testing.T) {
	ctrl := gomock.NewController(t)
	graph := NewMockCaller(ctrl)
	b := testBroker(t, graph)

	_, stateToken, err := b.BeginAuthorization("https://gate.example.com/oauth/callback")
	require.NoError(t, err)

	graph.EXPECT().
		Call(gomock.Any(), http.MethodGet, "/oauth/access_token", "", gomock.Any()).
		Return([]byte(`{"token_type":"bearer"}`), nil)

	_, err = b.CompleteAuthorization(context.Background(), "code", stateToken)
	assert.True(t, gerr.HasCode(err, gerr.CodeMalformedResponse))
}

func TestCompleteAuthorizationUpgradeFailureKeepsShortLived(t *testing.T) {
	ctrl := gomock.NewController(t)
	graph := NewMockCaller(ctrl)
	b := testBroker(t, graph)

	_, stateToken, err := b.BeginAuthorization("https://gate.example.com/oauth/callback")
	require.NoError(t, err)

	exchange := graph.EXPECT().
		Call(gomock.Any(), http.MethodGet, "/oauth/access_token", "", gomock.Any()).
		Return([]byte(`{"access_token":"short-tok","token_type":"bearer","expires_in":3600}`), nil)
	upgrade := graph.EXPECT().
		Call(gomock.Any(), http.MethodGet, "/oauth/access_token", "", gomock.Any()).
		Return(nil, gerr.New(gerr.CodeUpstreamTransient, "upstream unavailable"))
	me := graph.EXPECT().
		Call(gomock.Any(), http.MethodGet, "/me", "short-tok", gomock.Any()).
		Return([]byte(`{"id":"100","name":"Test User"}`), nil)
	gomock.InOrder(exchange, upgrade, me)

	cred, err := b.CompleteAuthorization(context.Background(), "code", stateToken)
	require.NoError(t, err)
	assert.Equal(t, "short-tok", cred.Token)
}

func TestRequireActiveCredential(t *testing.T) {
	b := testBroker(t, nil)

	_, err := b.RequireActiveCredential()
	assert.True(t, gerr.HasCode(err, gerr.CodeAuthRequired))

	require.NoError(t, b.store.SaveCredential(state.Credential{
		OwnerID: "100",
		Token:   "tok",
	}))
	require.NoError(t, b.store.SetActiveOwner("100"))

	cred, err := b.RequireActiveCredential()
	require.NoError(t, err)
	assert.Equal(t, "tok", cred.Token)
}

func TestRequireActiveCredentialExpired(t *testing.T) {
	b := testBroker(t, nil)

	require.NoError(t, b.store.SaveCredential(state.Credential{
		OwnerID:   "100",
		Token:     "tok",
		ExpiresAt: time.Now().Add(-time.Minute).Unix(),
	}))
	require.NoError(t, b.store.SetActiveOwner("100"))

	_, err := b.RequireActiveCredential()
	assert.True(t, gerr.HasCode(err, gerr.CodeAuthExpired))
}

func TestResolveResourceCredentialCached(t *testing.T) {
	// A nil Caller proves a fresh cache entry never touches upstream.
	b := testBroker(t, nil)

	require.NoError(t, b.store.SavePageCredential(state.PageCredential{
		PageID: "p1",
		Token:  "page-tok",
	}))

	pc, err := b.ResolveResourceCredential(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, "page-tok", pc.Token)
}

func TestResolveResourceCredentialStale(t *testing.T) {
	ctrl := gomock.NewController(t)
	graph := NewMockCaller(ctrl)
	b := testBroker(t, graph)

	require.NoError(t, b.store.SaveCredential(state.Credential{OwnerID: "100", Token: "user-tok"}))
	require.NoError(t, b.store.SetActiveOwner("100"))

	// Expires inside the freshness margin, so it must be re-derived.
	require.NoError(t, b.store.SavePageCredential(state.PageCredential{
		PageID:    "p1",
		Token:     "stale-tok",
		ExpiresAt: time.Now().Add(30 * time.Second).Unix(),
	}))

	graph.EXPECT().
		Call(gomock.Any(), http.MethodGet, "/me/accounts", "user-tok", gomock.Any()).
		Return([]byte(`{"data":[{"id":"p1","name":"Page One","access_token":"fresh-tok"}]}`), nil)

	pc, err := b.ResolveResourceCredential(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, "fresh-tok", pc.Token)
	assert.Equal(t, "Page One", pc.PageName)

	stored, err := b.store.PageCredential("p1")
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, "fresh-tok", stored.Token)
}

func TestResolveResourceCredentialUnknownPage(t *testing.T) {
	ctrl := gomock.NewController(t)
	graph := NewMockCaller(ctrl)
	b := testBroker(t, graph)

	require.NoError(t, b.store.SaveCredential(state.Credential{OwnerID: "100", Token: "user-tok"}))
	require.NoError(t, b.store.SetActiveOwner("100"))

	graph.EXPECT().
		Call(gomock.Any(), http.MethodGet, "/me/accounts", "user-tok", gomock.Any()).
		Return([]byte(`{"data":[{"id":"other","name":"Other","access_token":"x"}]}`), nil)

	_, err := b.ResolveResourceCredential(context.Background(), "p2")
	assert.True(t, gerr.HasCode(err, gerr.CodeNotFound))
}

func TestResolveResourceCredentialRequiresAuth(t *testing.T) {
	b := testBroker(t, nil)

	_, err := b.ResolveResourceCredential(context.Background(), "p1")
	assert.True(t, gerr.HasCode(err, gerr.CodeAuthRequired))
}
