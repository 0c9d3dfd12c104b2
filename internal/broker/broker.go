// Package broker owns the credential chain: PKCE material, the
// authorization-code exchange, the best-effort long-lived upgrade, and
// the derived page-token cache. The bbolt store is the source of truth;
// concurrent refreshes may race and the last write wins, because every
// credential is externally issued and idempotent to overwrite.
package broker

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	gerr "github.com/alexjbarnes/graphgate/internal/errors"
	"github.com/alexjbarnes/graphgate/internal/state"
)

//go:generate mockgen -source=broker.go -destination=mock_caller_test.go -package=broker

// Caller is the slice of the Graph client the broker depends on.
type Caller interface {
	Call(ctx context.Context, method, path, accessToken string, params url.Values) ([]byte, error)
}

// ChallengeMethod is the only PKCE challenge method produced.
const ChallengeMethod = "S256"

const (
	// DefaultDialogURL is the authorization dialog endpoint.
	DefaultDialogURL = "https://www.facebook.com/v21.0/dialog/oauth"

	// verifierBytes is the random byte length of a generated PKCE
	// verifier before URL-safe encoding.
	verifierBytes = 64

	// stateTokenBytes is the random byte length of the opaque state token.
	stateTokenBytes = 16

	// pendingAuthTTL bounds how long an authorization attempt may stay
	// in flight before its state token expires.
	pendingAuthTTL = 600 * time.Second

	// pageTokenFreshnessMargin is subtracted from a derived credential's
	// expiry when judging staleness, avoiding races with in-flight use.
	pageTokenFreshnessMargin = 60 * time.Second
)

// Config holds the app registration the broker authenticates as.
type Config struct {
	AppID     string
	AppSecret string
	Scopes    []string
	DialogURL string
}

// Broker manages the primary credential and its derived page tokens.
type Broker struct {
	store  *state.Store
	graph  Caller
	cfg    Config
	logger *slog.Logger

	// now is replaceable in tests.
	now func() time.Time
}

// New creates a Broker. An empty DialogURL selects the default.
func New(store *state.Store, graph Caller, cfg Config, logger *slog.Logger) *Broker {
	if cfg.DialogURL == "" {
		cfg.DialogURL = DefaultDialogURL
	}

	return &Broker{
		store:  store,
		graph:  graph,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
	}
}

// GenerateVerifier produces a URL-safe random string from n bytes of
// cryptographically secure randomness.
func GenerateVerifier(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating verifier: %w", err)
	}

	return base64.RawURLEncoding.EncodeToString(b), nil
}

// DeriveChallenge computes the S256 code challenge for a verifier.
// Deterministic: identical verifier, identical challenge.
func DeriveChallenge(verifier string) string {
	h := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(h[:])
}

// BeginAuthorization starts an authorization attempt: it generates the
// verifier and state token, persists the pending state under its TTL,
// and returns the dialog URL to redirect the user to.
func (b *Broker) BeginAuthorization(redirectURI string) (authURL, stateToken string, err error) {
	verifier, err := GenerateVerifier(verifierBytes)
	if err != nil {
		return "", "", err
	}

	stateToken, err = GenerateVerifier(stateTokenBytes)
	if err != nil {
		return "", "", err
	}

	pending := state.PendingAuth{
		Verifier:    verifier,
		RedirectURI: redirectURI,
		CreatedAt:   b.now().UnixMilli(),
		ExpiresAt:   b.now().Add(pendingAuthTTL).Unix(),
	}
	if err := b.store.SavePendingAuth(stateToken, pending); err != nil {
		return "", "", fmt.Errorf("persisting pending auth: %w", err)
	}

	params := url.Values{}
	params.Set("client_id", b.cfg.AppID)
	params.Set("redirect_uri", redirectURI)
	params.Set("state", stateToken)
	params.Set("response_type", "code")
	params.Set("code_challenge", DeriveChallenge(verifier))
	params.Set("code_challenge_method", ChallengeMethod)
	params.Set("scope", strings.Join(b.cfg.Scopes, ","))

	return b.cfg.DialogURL + "?" + params.Encode(), stateToken, nil
}

// tokenResponse is the upstream token endpoint payload.
type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in,omitempty"`
}

// CompleteAuthorization consumes the pending state, exchanges the code
// for the primary credential, attempts one best-effort upgrade to a
// long-lived token, and links the credential's owner as active. A failed
// upgrade is logged and swallowed: the short-lived credential still wins.
func (b *Broker) CompleteAuthorization(ctx context.Context, code, stateToken string) (*state.Credential, error) {
	pending, err := b.store.ConsumePendingAuth(stateToken)
	if err != nil {
		return nil, fmt.Errorf("consuming pending auth: %w", err)
	}

	if pending == nil {
		return nil, gerr.New(gerr.CodeInvalidGrant, "unknown or expired authorization state")
	}

	params := url.Values{}
	params.Set("client_id", b.cfg.AppID)
	params.Set("redirect_uri", pending.RedirectURI)
	params.Set("code", code)
	params.Set("code_verifier", pending.Verifier)

	if b.cfg.AppSecret != "" {
		params.Set("client_secret", b.cfg.AppSecret)
	}

	body, err := b.graph.Call(ctx, http.MethodGet, "/oauth/access_token", "", params)
	if err != nil {
		if gerr.HasCode(err, gerr.CodeUpstreamTerminal) {
			return nil, gerr.Wrap(gerr.CodeInvalidGrant, "authorization code rejected", err)
		}

		return nil, err
	}

	var token tokenResponse
	if jsonErr := json.Unmarshal(body, &token); jsonErr != nil || token.AccessToken == "" {
		return nil, gerr.New(gerr.CodeMalformedResponse, "token response missing access_token")
	}

	// Best-effort upgrade. Must never fail the exchange.
	if upgraded, upErr := b.exchangeLongLived(ctx, token.AccessToken); upErr != nil {
		b.logger.Warn("long-lived token upgrade failed, keeping short-lived credential",
			slog.String("error", upErr.Error()),
		)
	} else {
		token = *upgraded
	}

	ownerID, ownerName, err := b.fetchOwner(ctx, token.AccessToken)
	if err != nil {
		return nil, err
	}

	cred := state.Credential{
		Token:      token.AccessToken,
		TokenType:  token.TokenType,
		OwnerID:    ownerID,
		OwnerName:  ownerName,
		ObtainedAt: b.now().UnixMilli(),
	}
	if token.ExpiresIn > 0 {
		cred.ExpiresAt = b.now().Unix() + token.ExpiresIn
	}

	if err := b.store.SaveCredential(cred); err != nil {
		return nil, fmt.Errorf("persisting credential: %w", err)
	}

	if err := b.store.SetActiveOwner(ownerID); err != nil {
		return nil, fmt.Errorf("linking active owner: %w", err)
	}

	// Page tokens derived from a previous primary are invalid now.
	if err := b.store.DeletePageCredentials(); err != nil {
		return nil, fmt.Errorf("clearing derived credentials: %w", err)
	}

	b.logger.Info("authorization complete",
		slog.String("owner_id", ownerID),
		slog.Bool("expiring", cred.ExpiresAt != 0),
	)

	return &cred, nil
}

// exchangeLongLived trades a short-lived token for a long-lived one.
func (b *Broker) exchangeLongLived(ctx context.Context, accessToken string) (*tokenResponse, error) {
	params := url.Values{}
	params.Set("grant_type", "fb_exchange_token")
	params.Set("client_id", b.cfg.AppID)
	params.Set("client_secret", b.cfg.AppSecret)
	params.Set("fb_exchange_token", accessToken)

	body, err := b.graph.Call(ctx, http.MethodGet, "/oauth/access_token", "", params)
	if err != nil {
		return nil, err
	}

	var token tokenResponse
	if jsonErr := json.Unmarshal(body, &token); jsonErr != nil || token.AccessToken == "" {
		return nil, gerr.New(gerr.CodeMalformedResponse, "upgrade response missing access_token")
	}

	return &token, nil
}

// fetchOwner resolves the authenticated identity behind a token.
func (b *Broker) fetchOwner(ctx context.Context, accessToken string) (id, name string, err error) {
	params := url.Values{}
	params.Set("fields", "id,name")

	body, err := b.graph.Call(ctx, http.MethodGet, "/me", accessToken, params)
	if err != nil {
		return "", "", err
	}

	var owner struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	}
	if jsonErr := json.Unmarshal(body, &owner); jsonErr != nil || owner.ID == "" {
		return "", "", gerr.New(gerr.CodeMalformedResponse, "identity response missing id")
	}

	return owner.ID, owner.Name, nil
}

// RequireActiveCredential loads the linked owner's primary credential.
// Expiry is authoritative: a credential past its expiry fails closed.
func (b *Broker) RequireActiveCredential() (*state.Credential, error) {
	owner, err := b.store.ActiveOwner()
	if err != nil {
		return nil, fmt.Errorf("loading active owner: %w", err)
	}

	if owner == "" {
		return nil, gerr.New(gerr.CodeAuthRequired, "no account is linked, authorize first")
	}

	cred, err := b.store.Credential(owner)
	if err != nil {
		return nil, fmt.Errorf("loading credential: %w", err)
	}

	if cred == nil {
		return nil, gerr.New(gerr.CodeAuthRequired, "no account is linked, authorize first")
	}

	if cred.ExpiresAt != 0 && b.now().Unix() >= cred.ExpiresAt {
		return nil, gerr.New(gerr.CodeAuthExpired, "the linked account's credential has expired, re-authorize")
	}

	return cred, nil
}

// pageAccount is one entry of the managed-page list.
type pageAccount struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	AccessToken string `json:"access_token"`
}

// ResolveResourceCredential returns a page-scoped token, serving from the
// cache while fresh and otherwise re-deriving it from the primary
// credential's page list with exactly one list fetch.
func (b *Broker) ResolveResourceCredential(ctx context.Context, pageID string) (*state.PageCredential, error) {
	cached, err := b.store.PageCredential(pageID)
	if err != nil {
		return nil, fmt.Errorf("loading page credential: %w", err)
	}

	if cached != nil && b.fresh(cached) {
		return cached, nil
	}

	cred, err := b.RequireActiveCredential()
	if err != nil {
		return nil, err
	}

	params := url.Values{}
	params.Set("fields", "id,name,access_token")

	body, err := b.graph.Call(ctx, http.MethodGet, "/me/accounts", cred.Token, params)
	if err != nil {
		return nil, err
	}

	var list struct {
		Data []pageAccount `json:"data"`
	}
	if jsonErr := json.Unmarshal(body, &list); jsonErr != nil {
		return nil, gerr.New(gerr.CodeMalformedResponse, "page list response is not parseable")
	}

	for _, page := range list.Data {
		if page.ID != pageID {
			continue
		}

		if page.AccessToken == "" {
			return nil, gerr.New(gerr.CodeMalformedResponse, "page list entry missing access_token")
		}

		pc := state.PageCredential{
			PageID:     page.ID,
			Token:      page.AccessToken,
			PageName:   page.Name,
			ObtainedAt: b.now().UnixMilli(),
		}
		if err := b.store.SavePageCredential(pc); err != nil {
			return nil, fmt.Errorf("persisting page credential: %w", err)
		}

		return &pc, nil
	}

	return nil, gerr.Newf(gerr.CodeNotFound, "page %s is not managed by the linked account", pageID)
}

// fresh reports whether a derived credential can be served without
// re-derivation: no expiry, or comfortably before it.
func (b *Broker) fresh(pc *state.PageCredential) bool {
	if pc.ExpiresAt == 0 {
		return true
	}

	return b.now().Before(time.Unix(pc.ExpiresAt, 0).Add(-pageTokenFreshnessMargin))
}
