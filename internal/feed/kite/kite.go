// Package kite adapts Zerodha Kite Connect to the feed provider
// interfaces: REST quotes and expiries, and the streaming ticker as a
// connection slot transport.
package kite

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pquerna/otp/totp"
	kiteconnect "github.com/zerodha/gokiteconnect/v4"

	feederrors "chainstream/internal/errors"
	"chainstream/internal/models"
	"chainstream/pkg/utils"
)

// Credentials holds one account's Kite Connect credentials.
type Credentials struct {
	APIKey     string
	APISecret  string
	UserID     string
	Password   string
	TOTPSecret string
}

// Client wraps a Kite Connect session for one account.
type Client struct {
	kc          *kiteconnect.Client
	creds       Credentials
	accessToken string
	retry       utils.RetryConfig

	mu          sync.RWMutex
	instruments map[string][]instrument // base symbol -> option instruments
	tokens      map[string]uint32       // trading symbol -> instrument token
	loadedAt    time.Time
}

type instrument struct {
	token  uint32
	symbol string
	expiry time.Time
	strike float64
	kind   string // CE, PE
}

// NewClient creates an unauthenticated client.
func NewClient(creds Credentials) *Client {
	retry := utils.DefaultRetryConfig()
	// Only transient failures are worth re-sending; auth, rate-limit
	// and suspension answers will not change on the next attempt.
	retry.RetryableErrors = []error{feederrors.ErrTransientDisconnect}
	return &Client{
		kc:          kiteconnect.New(creds.APIKey),
		creds:       creds,
		retry:       retry,
		instruments: make(map[string][]instrument),
		tokens:      make(map[string]uint32),
	}
}

// AccessToken returns the session token, empty before login.
func (c *Client) AccessToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.accessToken
}

const kiteLoginBase = "https://kite.zerodha.com"

// AutoLogin performs the headless login flow: password login, TOTP
// two-factor, then request-token exchange for an API session.
func (c *Client) AutoLogin(ctx context.Context) error {
	if c.creds.Password == "" || c.creds.TOTPSecret == "" {
		return feederrors.Wrap(feederrors.ErrAuthFailure, "auto-login requires password and totp_secret")
	}

	jar, err := cookiejar.New(nil)
	if err != nil {
		return err
	}
	httpClient := &http.Client{
		Jar:     jar,
		Timeout: 30 * time.Second,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	requestID, err := c.passwordLogin(ctx, httpClient)
	if err != nil {
		return err
	}
	if err := c.twoFactor(ctx, httpClient, requestID); err != nil {
		return err
	}
	requestToken, err := c.requestToken(ctx, httpClient)
	if err != nil {
		return err
	}

	session, err := c.kc.GenerateSession(requestToken, c.creds.APISecret)
	if err != nil {
		return classify(err)
	}

	c.kc.SetAccessToken(session.AccessToken)
	c.mu.Lock()
	c.accessToken = session.AccessToken
	c.mu.Unlock()
	return nil
}

func (c *Client) passwordLogin(ctx context.Context, httpClient *http.Client) (string, error) {
	form := url.Values{
		"user_id":  {c.creds.UserID},
		"password": {c.creds.Password},
	}
	var resp struct {
		Status string `json:"status"`
		Data   struct {
			RequestID string `json:"request_id"`
		} `json:"data"`
		Message string `json:"message"`
	}
	if err := postForm(ctx, httpClient, kiteLoginBase+"/api/login", form, &resp); err != nil {
		return "", err
	}
	if resp.Status != "success" {
		return "", feederrors.NewFeedError(c.creds.UserID, "login_rejected", resp.Message, feederrors.ErrAuthFailure)
	}
	return resp.Data.RequestID, nil
}

func (c *Client) twoFactor(ctx context.Context, httpClient *http.Client, requestID string) error {
	code, err := totp.GenerateCode(c.creds.TOTPSecret, time.Now())
	if err != nil {
		return feederrors.Wrap(feederrors.ErrAuthFailure, "generating TOTP code")
	}
	form := url.Values{
		"user_id":     {c.creds.UserID},
		"request_id":  {requestID},
		"twofa_value": {code},
		"twofa_type":  {"totp"},
	}
	var resp struct {
		Status  string `json:"status"`
		Message string `json:"message"`
	}
	if err := postForm(ctx, httpClient, kiteLoginBase+"/api/twofa", form, &resp); err != nil {
		return err
	}
	if resp.Status != "success" {
		return feederrors.NewFeedError(c.creds.UserID, "twofa_rejected", resp.Message, feederrors.ErrAuthFailure)
	}
	return nil
}

// requestToken follows the Connect login redirect chain and extracts
// the request_token query parameter.
func (c *Client) requestToken(ctx context.Context, httpClient *http.Client) (string, error) {
	target := c.kc.GetLoginURL()
	for hops := 0; hops < 8; hops++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if err != nil {
			return "", err
		}
		resp, err := httpClient.Do(req)
		if err != nil {
			return "", feederrors.Wrap(feederrors.ErrTransientDisconnect, "following login redirect")
		}
		resp.Body.Close()

		location := resp.Header.Get("Location")
		if location == "" {
			break
		}
		if u, err := url.Parse(location); err == nil {
			if token := u.Query().Get("request_token"); token != "" {
				return token, nil
			}
			if !u.IsAbs() {
				u = resp.Request.URL.ResolveReference(u)
			}
			target = u.String()
		}
	}
	return "", feederrors.Wrap(feederrors.ErrAuthFailure, "no request token in login redirect")
}

func postForm(ctx context.Context, httpClient *http.Client, endpoint string, form url.Values, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := httpClient.Do(req)
	if err != nil {
		return feederrors.Wrap(feederrors.ErrTransientDisconnect, "login request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return feederrors.ErrRateLimited
	}
	if resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusUnauthorized {
		return feederrors.ErrAuthFailure
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// LastPrice implements feed.QuoteProvider.
func (c *Client) LastPrice(ctx context.Context, symbol string) (float64, error) {
	return utils.RetryWithResult(ctx, c.retry, func() (float64, error) {
		ltp, err := c.kc.GetLTP(symbol)
		if err != nil {
			return 0, classify(err)
		}
		q, ok := ltp[symbol]
		if !ok {
			return 0, feederrors.Wrapf(feederrors.ErrSymbolUnknown, "no LTP for %s", symbol)
		}
		return q.LastPrice, nil
	})
}

// Expiries implements feed.QuoteProvider: the ordered future expiry
// dates of the underlying's option contracts.
func (c *Client) Expiries(ctx context.Context, u models.Underlying) ([]time.Time, error) {
	if err := c.ensureInstruments(ctx); err != nil {
		return nil, err
	}

	c.mu.RLock()
	options := c.instruments[u.BaseSymbol]
	c.mu.RUnlock()

	seen := make(map[string]bool)
	var expiries []time.Time
	today := time.Now().Truncate(24 * time.Hour)
	for _, inst := range options {
		if inst.expiry.Before(today) {
			continue
		}
		key := inst.expiry.Format("2006-01-02")
		if seen[key] {
			continue
		}
		seen[key] = true
		expiries = append(expiries, inst.expiry)
	}
	sort.Slice(expiries, func(i, j int) bool { return expiries[i].Before(expiries[j]) })
	return expiries, nil
}

// Token resolves a trading symbol to its instrument token.
func (c *Client) Token(symbol string) (uint32, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.tokens[symbol]
	return t, ok
}

// ensureInstruments loads and caches the instrument dump, refreshed
// daily (the dump changes overnight).
func (c *Client) ensureInstruments(ctx context.Context) error {
	c.mu.RLock()
	fresh := time.Since(c.loadedAt) < 24*time.Hour && len(c.tokens) > 0
	c.mu.RUnlock()
	if fresh {
		return nil
	}

	dump, err := utils.RetryWithResult(ctx, c.retry, func() (kiteconnect.Instruments, error) {
		d, err := c.kc.GetInstruments()
		if err != nil {
			return nil, classify(err)
		}
		return d, nil
	})
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.instruments = make(map[string][]instrument)
	c.tokens = make(map[string]uint32)
	for _, inst := range dump {
		token := uint32(inst.InstrumentToken)
		c.tokens[inst.Tradingsymbol] = token
		if inst.InstrumentType != "CE" && inst.InstrumentType != "PE" {
			continue
		}
		c.instruments[inst.Name] = append(c.instruments[inst.Name], instrument{
			token:  token,
			symbol: inst.Tradingsymbol,
			expiry: inst.Expiry.Time,
			strike: inst.StrikePrice,
			kind:   inst.InstrumentType,
		})
	}
	c.loadedAt = time.Now()
	return nil
}

// classify maps Kite Connect API errors onto the feed taxonomy.
func classify(err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "tokenexception"),
		strings.Contains(msg, "invalid token"),
		strings.Contains(msg, "api_key"),
		strings.Contains(msg, "invalid session"):
		return fmt.Errorf("%w: %v", feederrors.ErrAuthFailure, err)
	case strings.Contains(msg, "too many requests"),
		strings.Contains(msg, "rate limit"):
		return fmt.Errorf("%w: %v", feederrors.ErrRateLimited, err)
	case strings.Contains(msg, "account blocked"),
		strings.Contains(msg, "suspended"):
		return fmt.Errorf("%w: %v", feederrors.ErrAccountSuspended, err)
	default:
		return fmt.Errorf("%w: %v", feederrors.ErrTransientDisconnect, err)
	}
}
