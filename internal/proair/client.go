// Package proair is the client for the Tecnosystemi ProAir cloud API. All
// token-consuming calls are serialized through one lock because the rotating
// token counter is a single shared sequence validated in strict order by the
// server; a stuck call blocks everything else until its deadline fires.
package proair

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/homefleet/proair-bridge/internal/cipher"
	"github.com/homefleet/proair-bridge/internal/model"
	"github.com/homefleet/proair-bridge/internal/session"
)

const (
	// DefaultBaseURL is the single vendor host serving the fleet.
	DefaultBaseURL = "https://proair.azurewebsites.net"

	// DefaultSessionTTL is the local safety margin before forcing a
	// re-login. The server-side lifetime is undocumented (around three
	// hours in practice), so the margin is kept conservative.
	DefaultSessionTTL = time.Hour

	// Transport-level service credentials, constant across all calls and
	// unrelated to the end user's account.
	serviceUser     = "UsrProAir"
	servicePassword = "PwdProAir"

	loginPlatform = "fcm2"

	// Bootstrap token for the login endpoint, stored base64-encoded the way
	// the vendor app ships it.
	bootstrapTokenB64 = "R2E1bU02MUtDbTVCazE4bGhENUo5OTlqQzJNdTBWYWY="
)

// Credentials identify one paired bridge. DeviceID seeds key derivation and
// must never change after pairing.
type Credentials struct {
	Username string
	Password string
	DeviceID string
}

// Config carries the tunable knobs of a Client. Zero values select the
// vendor host, a one hour session safety margin and a 15s request timeout.
type Config struct {
	BaseURL    string
	SessionTTL time.Duration
	Timeout    time.Duration
}

// envelope is the outer response shape shared by every endpoint.
type envelope struct {
	ResCode  int    `json:"ResCode"`
	ResDescr string `json:"ResDescr"`
	ID       int    `json:"ID"`
	Token    string `json:"Token"`
}

type loginRequest struct {
	DeviceID  string  `json:"DeviceId"`
	Platform  string  `json:"Platform"`
	Password  string  `json:"Password"`
	TokenPush *string `json:"TokenPush"`
	Username  string  `json:"Username"`
}

// Client talks to the ProAir cloud. It owns the Session exclusively; no other
// component reads or mutates the token state.
type Client struct {
	baseURL        string
	creds          Credentials
	cipher         cipher.Cipher
	httpClient     *http.Client
	sessionTTL     time.Duration
	bootstrapToken string
	now            func() time.Time

	mu      sync.Mutex // serializes every token-consuming call end to end
	session session.Session
	userID  int
}

// NewClient builds a client for the given pairing.
func NewClient(creds Credentials, cfg Config) *Client {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	ttl := cfg.SessionTTL
	if ttl == 0 {
		ttl = DefaultSessionTTL
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	bootstrap, err := base64.StdEncoding.DecodeString(bootstrapTokenB64)
	if err != nil {
		panic(fmt.Errorf("decode embedded bootstrap token: %w", err))
	}
	return &Client{
		baseURL:        baseURL,
		creds:          creds,
		cipher:         cipher.New(creds.DeviceID),
		httpClient:     &http.Client{Timeout: timeout},
		sessionTTL:     ttl,
		bootstrapToken: string(bootstrap),
		now:            time.Now,
	}
}

// Login authenticates against the cloud and installs a fresh base token,
// resetting the counter. Safe to call at any time; it takes the same lock as
// every other call.
func (c *Client) Login(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loginLocked(ctx)
}

// loginLocked performs the login handshake. Caller must hold c.mu.
func (c *Client) loginLocked(ctx context.Context) error {
	body, err := json.Marshal(loginRequest{
		DeviceID: c.creds.DeviceID,
		Platform: loginPlatform,
		Password: c.cipher.Encrypt(c.creds.Password),
		Username: c.creds.Username,
	})
	if err != nil {
		return fmt.Errorf("marshal login request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/apiTS/v2/Login", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build login request: %w", err)
	}
	req.SetBasicAuth(serviceUser, servicePassword)
	req.Header.Set("Token", c.bootstrapToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("login failed with status %d", resp.StatusCode)
	}

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("decode login response: %w", err)
	}
	if env.ResCode != 0 {
		return fmt.Errorf("login failed with result code %d", env.ResCode)
	}

	plain, err := c.cipher.Decrypt(env.Token)
	if err != nil {
		return fmt.Errorf("decrypt login token: %w", err)
	}
	if err := c.session.Store(plain, c.now(), c.sessionTTL); err != nil {
		return err
	}
	c.userID = env.ID

	log.Debug().Int("counter", c.session.Counter()).Msg("Logged in to ProAir cloud")
	return nil
}

// tokenLocked computes the next per-request token. Caller must hold c.mu. If
// the session expired it re-logs-in first; a failed re-login clears the
// session and reports it unavailable rather than handing out a stale token.
func (c *Client) tokenLocked(ctx context.Context) (string, error) {
	if !c.session.Authenticated() {
		return "", ErrSessionUnavailable
	}
	if c.session.Expired(c.now()) {
		log.Info().Msg("Session safety margin elapsed, re-logging in")
		if err := c.loginLocked(ctx); err != nil {
			c.session.Clear()
			log.Warn().Err(err).Msg("Re-login after session expiry failed")
			return "", ErrSessionUnavailable
		}
	}
	return c.cipher.Encrypt(c.session.Next()), nil
}

// doAuthenticated executes one token-consuming call under the lock: the lock
// is held from token computation until the response body has been read, so
// the server always observes counters in issue order.
func (c *Client) doAuthenticated(ctx context.Context, method, path string, body []byte) (int, []byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	token, err := c.tokenLocked(ctx)
	if err != nil {
		return 0, nil, err
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, nil, fmt.Errorf("build request: %w", err)
	}
	req.SetBasicAuth(c.creds.Username, servicePassword)
	req.Header.Set("Token", token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("read response: %w", err)
	}
	return resp.StatusCode, data, nil
}

// ListPlants fetches the account topology. The payload arrives as a second
// layer of JSON embedded as a string inside the envelope. Anything short of
// a clean 200/ResCode-0 answer yields an empty list, since "no plants yet"
// is not an error. An unavailable session still surfaces as one.
func (c *Client) ListPlants(ctx context.Context) ([]model.Plant, error) {
	status, body, err := c.doAuthenticated(ctx, http.MethodGet, "/api/v1/GetPlants", nil)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		log.Warn().Int("status", status).Msg("GetPlants returned non-200 status")
		return nil, nil
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		log.Warn().Err(err).Msg("GetPlants returned a malformed envelope")
		return nil, nil
	}
	if env.ResCode != 0 {
		log.Warn().Int("res_code", env.ResCode).Msg("GetPlants returned non-zero result code")
		return nil, nil
	}
	if env.ResDescr == "" {
		return nil, nil
	}

	var plants []model.Plant
	if err := json.Unmarshal([]byte(env.ResDescr), &plants); err != nil {
		log.Warn().Err(err).Msg("Failed to parse embedded plant list payload")
		return nil, nil
	}
	return plants, nil
}

// GetDeviceState fetches the full state of one controller. A non-200 answer
// returns (nil, nil): absent, typically because a concurrent login from the
// vendor's own app invalidated this session. The caller decides whether
// absent means "re-login and retry".
func (c *Client) GetDeviceState(ctx context.Context, device model.Device, pin string) (*model.DeviceState, error) {
	path := fmt.Sprintf("/api/v1/GetCUState?cuSerial=%s&PIN=%s",
		url.QueryEscape(device.Serial), url.QueryEscape(pin))

	status, body, err := c.doAuthenticated(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		log.Debug().Str("serial", device.Serial).Int("status", status).Msg("GetCUState returned non-200 status")
		return nil, nil
	}

	var state model.DeviceState
	if err := json.Unmarshal(body, &state); err != nil {
		return nil, fmt.Errorf("decode device state: %w", err)
	}
	return &state, nil
}

// UserID returns the account id reported by the last successful login.
func (c *Client) UserID() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}
