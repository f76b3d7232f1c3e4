package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/GD-TG/analytics-platform-sub000/store"
	"github.com/GD-TG/analytics-platform-sub000/tokencrypt"
)

// ErrNoToken is returned when an account has no stored credentials.
var ErrNoToken = errors.New("provider: no token stored for account")

// refreshSkew refreshes tokens slightly early so a token never expires
// mid-request.
const refreshSkew = 5 * time.Minute

// TokenSource hands out valid access tokens per account, refreshing and
// re-persisting them when they near expiry. Tokens are stored encrypted;
// plaintext only exists in memory here and in the Authorization header.
type TokenSource struct {
	store        *store.Store
	crypt        *tokencrypt.Service
	client       *Client
	clientID     string
	clientSecret string
	now          func() time.Time

	mu sync.Mutex // serializes refresh per process
}

// NewTokenSource wires a token source over the store and crypto service.
func NewTokenSource(st *store.Store, crypt *tokencrypt.Service, client *Client, clientID, clientSecret string) *TokenSource {
	return &TokenSource{
		store:        st,
		crypt:        crypt,
		client:       client,
		clientID:     clientID,
		clientSecret: clientSecret,
		now:          time.Now,
	}
}

// AccessToken returns a valid plaintext access token for the account,
// refreshing it first when expired or about to expire.
func (ts *TokenSource) AccessToken(ctx context.Context, accountID string) (string, error) {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	rec, err := ts.store.GetToken(ctx, accountID)
	if err != nil {
		return "", err
	}
	if rec == nil {
		return "", fmt.Errorf("%w: %s", ErrNoToken, accountID)
	}

	if rec.ExpiresAt == 0 || rec.ExpiresAt > ts.now().Add(refreshSkew).UnixMilli() {
		return ts.crypt.Decrypt(rec.AccessTokenEnc)
	}
	return ts.refresh(ctx, rec)
}

// Store encrypts and persists a fresh token pair for the account.
func (ts *TokenSource) Store(ctx context.Context, accountID, access, refresh string, expiresAt int64) error {
	accessEnc, err := ts.crypt.Encrypt(access)
	if err != nil {
		return fmt.Errorf("encrypt access token: %w", err)
	}
	refreshEnc := ""
	if refresh != "" {
		refreshEnc, err = ts.crypt.Encrypt(refresh)
		if err != nil {
			return fmt.Errorf("encrypt refresh token: %w", err)
		}
	}
	return ts.store.SaveToken(ctx, &store.TokenRecord{
		AccountID:       accountID,
		AccessTokenEnc:  accessEnc,
		RefreshTokenEnc: refreshEnc,
		ExpiresAt:       expiresAt,
	})
}

func (ts *TokenSource) refresh(ctx context.Context, rec *store.TokenRecord) (string, error) {
	if rec.RefreshTokenEnc == "" {
		return "", fmt.Errorf("token for %s expired and no refresh token stored", rec.AccountID)
	}
	refresh, err := ts.crypt.Decrypt(rec.RefreshTokenEnc)
	if err != nil {
		return "", fmt.Errorf("decrypt refresh token: %w", err)
	}

	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refresh},
		"client_id":     {ts.clientID},
		"client_secret": {ts.clientSecret},
	}
	resp, err := ts.client.PostForm(ctx, EndpointToken, form)
	if err != nil {
		return "", fmt.Errorf("refresh token for %s: %w", rec.AccountID, err)
	}
	if resp.Status != 200 {
		return "", fmt.Errorf("refresh token for %s: http %d", rec.AccountID, resp.Status)
	}

	var payload struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    int64  `json:"expires_in"` // seconds
	}
	if err := json.Unmarshal(resp.Body, &payload); err != nil {
		return "", fmt.Errorf("decode token response: %w", err)
	}
	if payload.AccessToken == "" {
		return "", fmt.Errorf("token response for %s has empty access_token", rec.AccountID)
	}
	// Some providers rotate the refresh token, some echo the old one back.
	if payload.RefreshToken == "" {
		payload.RefreshToken = refresh
	}

	expiresAt := int64(0)
	if payload.ExpiresIn > 0 {
		expiresAt = ts.now().Add(time.Duration(payload.ExpiresIn) * time.Second).UnixMilli()
	}
	if err := ts.Store(ctx, rec.AccountID, payload.AccessToken, payload.RefreshToken, expiresAt); err != nil {
		return "", err
	}
	return payload.AccessToken, nil
}
