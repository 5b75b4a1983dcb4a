package pstryk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/levenlabs/go-lflag"
	"github.com/pstryk2mqtt/pstryk2mqtt/pkg/common"
	"github.com/pstryk2mqtt/pstryk2mqtt/pkg/log"
	"github.com/pstryk2mqtt/pstryk2mqtt/pkg/types"
)

const (
	loginPath   = "auth/token/"
	refreshPath = "auth/refresh"
	metersPath  = "api/meters"
)

// The vendor does not report a token lifetime; observed expiry is 10 minutes.
// We renew slightly early so in-flight requests don't race the cutoff.
const (
	tokenTTL   = 10 * time.Minute
	tokenSlack = 30 * time.Second
)

// ErrNoMeters is returned when the account has no meters to auto-select from.
var ErrNoMeters = errors.New("no meters on account")

// Pstryk windows are local Polish days/weeks/months.
var plLocation = func() *time.Location {
	loc, err := time.LoadLocation("Europe/Warsaw")
	if err != nil {
		panic(fmt.Errorf("failed to load warsaw location: %w", err))
	}
	return loc
}()

// Client talks to the Pstryk customer API. It logs in with email/password,
// keeps the short-lived access token fresh via the refresh endpoint and
// re-authenticates transparently when the vendor rejects a token.
type Client struct {
	client  *http.Client
	baseURL string
	creds   types.Credentials

	mu           sync.Mutex
	accessToken  string
	refreshToken string
	tokenExpiry  time.Time
	meterID      int64

	pricesMu       sync.Mutex
	cachedBoard    types.PriceBoard
	lastPriceFetch time.Time
}

// Configured sets up flags for the Pstryk API client and returns the instance.
func Configured() *Client {
	c := &Client{
		client: common.HTTPClient(10 * time.Second),
	}
	apiURL := lflag.String("pstryk-api-url", "https://api.pstryk.pl", "Base URL for the Pstryk API")
	email := lflag.String("pstryk-email", "", "Pstryk account email")
	password := lflag.String("pstryk-password", "", "Pstryk account password")
	meterID := lflag.String("pstryk-meter-id", "", "Meter ID to bridge. Empty auto-selects the first meter on the account")

	lflag.Do(func() {
		c.baseURL = *apiURL
		c.creds.Email = *email
		c.creds.Password = *password
		if *meterID != "" {
			id, err := strconv.ParseInt(*meterID, 10, 64)
			if err != nil {
				panic(fmt.Sprintf("invalid pstryk-meter-id (%s): %v", *meterID, err))
			}
			c.creds.MeterID = id
		}
	})

	return c
}

// Validate ensures the configuration is usable before the first request.
func (c *Client) Validate() error {
	if c.baseURL == "" {
		return fmt.Errorf("pstryk-api-url is required")
	}
	if _, err := url.Parse(c.baseURL); err != nil {
		return fmt.Errorf("failed to parse pstryk url (%s): %w", c.baseURL, err)
	}
	if c.creds.Email == "" {
		return fmt.Errorf("pstryk-email is required")
	}
	if c.creds.Password == "" {
		return fmt.Errorf("pstryk-password is required")
	}
	return nil
}

// Restore seeds the client with a previously persisted session so a restart
// can skip the password login. Call before the first request.
func (c *Client) Restore(sess types.Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.refreshToken = sess.RefreshToken
	if c.creds.MeterID == 0 {
		c.meterID = sess.MeterID
	}
}

// Session returns the persistable part of the current session.
func (c *Client) Session() types.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return types.Session{
		RefreshToken: c.refreshToken,
		MeterID:      c.meterID,
		UpdatedAt:    time.Now(),
	}
}

type loginResult struct {
	Access  string `json:"access"`
	Refresh string `json:"refresh"`
}

// login performs a full password login. Must be called with c.mu held.
func (c *Client) login(ctx context.Context) error {
	if c.creds.Email == "" {
		return errors.New("missing email")
	}
	if c.creds.Password == "" {
		return errors.New("missing password")
	}

	req, err := c.newPostJSONRequest(ctx, loginPath, map[string]string{
		"email":    c.creds.Email,
		"password": c.creds.Password,
	})
	if err != nil {
		return err
	}

	var res loginResult
	if err := c.doUnauthenticated(req, &res); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "pstryk login failed", log.Error(err))
		return fmt.Errorf("login failed: %w", err)
	}
	if res.Access == "" {
		return errors.New("login response missing access token")
	}

	c.accessToken = res.Access
	c.refreshToken = res.Refresh
	c.tokenExpiry = time.Now().Add(tokenTTL)
	log.Ctx(ctx).DebugContext(ctx, "pstryk login success", slog.String("email", c.creds.Email))
	return nil
}

// refresh exchanges the refresh token for a new access token. Must be called
// with c.mu held.
func (c *Client) refresh(ctx context.Context) error {
	if c.refreshToken == "" {
		return errors.New("no refresh token")
	}

	req, err := c.newPostJSONRequest(ctx, refreshPath, map[string]string{
		"refresh": c.refreshToken,
	})
	if err != nil {
		return err
	}

	var res loginResult
	if err := c.doUnauthenticated(req, &res); err != nil {
		return fmt.Errorf("token refresh failed: %w", err)
	}
	if res.Access == "" {
		return errors.New("refresh response missing access token")
	}

	c.accessToken = res.Access
	// some deployments rotate the refresh token on use
	if res.Refresh != "" {
		c.refreshToken = res.Refresh
	}
	c.tokenExpiry = time.Now().Add(tokenTTL)
	log.Ctx(ctx).DebugContext(ctx, "pstryk token refreshed")
	return nil
}

// ensureToken makes sure a usable access token is cached, refreshing or
// logging in as needed. Must be called with c.mu held.
func (c *Client) ensureToken(ctx context.Context) error {
	if c.accessToken != "" && time.Now().Before(c.tokenExpiry.Add(-tokenSlack)) {
		return nil
	}

	if c.refreshToken != "" {
		if err := c.refresh(ctx); err == nil {
			return nil
		} else {
			log.Ctx(ctx).WarnContext(ctx, "pstryk token refresh failed, falling back to login", log.Error(err))
			c.refreshToken = ""
		}
	}

	return c.login(ctx)
}

type meter struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// ensureMeter resolves the meter ID the bridge should use. Must be called
// with c.mu held and a valid token cached.
func (c *Client) ensureMeter(ctx context.Context) error {
	if c.meterID != 0 {
		return nil
	}
	if c.creds.MeterID != 0 {
		c.meterID = c.creds.MeterID
		return nil
	}

	req, err := c.newGetRequest(ctx, metersPath, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.accessToken)

	var meters []meter
	if err := c.doUnauthenticated(req, &meters); err != nil {
		return fmt.Errorf("failed to list meters: %w", err)
	}
	if len(meters) == 0 {
		return ErrNoMeters
	}

	c.meterID = meters[0].ID
	log.Ctx(ctx).InfoContext(ctx, "automatically selected meter",
		slog.Int64("meterID", c.meterID),
		slog.String("name", meters[0].Name),
		slog.Int("available", len(meters)),
	)
	return nil
}

// AccessToken ensures the session is valid and returns the current access
// token. Used by the stream to authenticate the websocket handshake.
func (c *Client) AccessToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ensureToken(ctx); err != nil {
		return "", err
	}
	return c.accessToken, nil
}

// MeterID ensures the session is valid and returns the meter the bridge is
// pinned to.
func (c *Client) MeterID(ctx context.Context) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ensureToken(ctx); err != nil {
		return 0, err
	}
	if err := c.ensureMeter(ctx); err != nil {
		return 0, err
	}
	return c.meterID, nil
}

// InvalidateToken drops the cached access token so the next call performs a
// refresh. The stream calls this when the websocket handshake is rejected.
func (c *Client) InvalidateToken() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accessToken = ""
}

func (c *Client) newGetRequest(ctx context.Context, endpoint string, params url.Values) (*http.Request, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return nil, err
	}
	u.Path, err = url.JoinPath(u.Path, endpoint)
	if err != nil {
		return nil, err
	}

	u.RawQuery = params.Encode()
	return http.NewRequestWithContext(ctx, "GET", u.String(), nil)
}

func (c *Client) newPostJSONRequest(ctx context.Context, endpoint string, data interface{}) (*http.Request, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return nil, err
	}
	u.Path, err = url.JoinPath(u.Path, endpoint)
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, "POST", u.String(), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

// doUnauthenticated executes a request without the token retry loop. Used for
// login/refresh themselves and for requests that manage their own auth header.
func (c *Client) doUnauthenticated(req *http.Request, dest interface{}) error {
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d", resp.StatusCode)
	}

	return decodeBody(req.Context(), resp.Body, dest)
}

// doAuthenticated executes a meter-data request with a bearer token. We try
// up to 2 times because the cached token might have just expired.
func (c *Client) doAuthenticated(req *http.Request, dest interface{}) error {
	ctx := req.Context()

	for i := 0; i < 2; i++ {
		c.mu.Lock()
		if err := c.ensureToken(ctx); err != nil {
			c.mu.Unlock()
			return err
		}
		if err := c.ensureMeter(ctx); err != nil {
			c.mu.Unlock()
			return err
		}
		token := c.accessToken
		c.mu.Unlock()

		req.Header.Set("Authorization", "Bearer "+token)

		resp, err := c.client.Do(req)
		if err != nil {
			return err
		}

		if resp.StatusCode == http.StatusUnauthorized {
			resp.Body.Close()
			log.Ctx(ctx).DebugContext(ctx, "pstryk token rejected, re-authenticating")
			c.InvalidateToken()
			continue
		}

		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			return fmt.Errorf("status %d", resp.StatusCode)
		}

		err = decodeBody(ctx, resp.Body, dest)
		resp.Body.Close()
		return err
	}
	return errors.New("token rejected after re-authentication")
}

func decodeBody(ctx context.Context, r io.Reader, dest interface{}) error {
	if dest == nil {
		_, err := io.Copy(io.Discard, r)
		return err
	}

	body, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, dest); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to decode pstryk response", log.Error(err), slog.String("body", string(body)))
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
