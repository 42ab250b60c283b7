package proair

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/homefleet/proair-bridge/internal/cipher"
	"github.com/homefleet/proair-bridge/internal/model"
	"github.com/homefleet/proair-bridge/internal/session"
)

var testCreds = Credentials{
	Username: "user@example.com",
	Password: "hunter2",
	DeviceID: "a1b2c3d4e5f60718",
}

var testDevice = model.Device{Serial: "SER1", Name: "Polaris"}

const testStateJSON = `{
	"Serial": "SER1", "Name": "Polaris", "FWVer": "1.2.3",
	"IsOFF": false, "IsCooling": true, "OperatingModeCooling": 1,
	"TempCan": 230, "NumErrors": 0,
	"Zones": [
		{"ZoneId": 1, "Name": "Living", "Temp": 215, "SetTemp": 220,
		 "Umd": 450, "Serranda": 18, "SerrandaSet": 16, "IsOFF": false, "IsMaster": true}
	]
}`

// vendorStub emulates the cloud endpoints the client talks to.
type vendorStub struct {
	t    *testing.T
	ciph cipher.Cipher

	mu          sync.Mutex
	logins      int
	loginFail   bool
	loginTokens []string // plaintext tokens handed out per login, in order
	stateStatus int
	seenTokens  []string // decrypted Token headers of authenticated calls, in arrival order
}

func newVendorStub(t *testing.T, loginTokens ...string) *vendorStub {
	if len(loginTokens) == 0 {
		loginTokens = []string{"T1_0"}
	}
	return &vendorStub{t: t, ciph: cipher.New(testCreds.DeviceID), loginTokens: loginTokens}
}

func (v *vendorStub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/apiTS/v2/Login":
		v.handleLogin(w, r)
	case "/api/v1/GetCUState":
		v.handleState(w, r)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (v *vendorStub) handleLogin(w http.ResponseWriter, r *http.Request) {
	user, pass, ok := r.BasicAuth()
	require.True(v.t, ok)
	assert.Equal(v.t, "UsrProAir", user)
	assert.Equal(v.t, "PwdProAir", pass)
	assert.Equal(v.t, "Ga5mM61KCm5Bk18lhD5J999jC2Mu0Vaf", r.Header.Get("Token"))

	var body map[string]any
	require.NoError(v.t, json.NewDecoder(r.Body).Decode(&body))
	assert.Equal(v.t, testCreds.DeviceID, body["DeviceId"])
	assert.Equal(v.t, "fcm2", body["Platform"])
	assert.Equal(v.t, testCreds.Username, body["Username"])
	assert.Contains(v.t, body, "TokenPush")
	assert.Nil(v.t, body["TokenPush"])

	decrypted, err := v.ciph.Decrypt(body["Password"].(string))
	require.NoError(v.t, err)
	assert.Equal(v.t, testCreds.Password, decrypted)

	v.mu.Lock()
	defer v.mu.Unlock()
	if v.loginFail {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	idx := v.logins
	if idx >= len(v.loginTokens) {
		idx = len(v.loginTokens) - 1
	}
	v.logins++
	writeJSON(w, envelope{ResCode: 0, ID: 77, Token: v.ciph.Encrypt(v.loginTokens[idx])})
}

func (v *vendorStub) handleState(w http.ResponseWriter, r *http.Request) {
	user, pass, ok := r.BasicAuth()
	require.True(v.t, ok)
	assert.Equal(v.t, testCreds.Username, user)
	assert.Equal(v.t, "PwdProAir", pass)

	plain, err := v.ciph.Decrypt(r.Header.Get("Token"))
	require.NoError(v.t, err)

	v.mu.Lock()
	v.seenTokens = append(v.seenTokens, plain)
	status := v.stateStatus
	v.mu.Unlock()

	if status != 0 && status != http.StatusOK {
		w.WriteHeader(status)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprint(w, testStateJSON)
}

func (v *vendorStub) loginCount() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.logins
}

func (v *vendorStub) tokens() []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]string(nil), v.seenTokens...)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func newTestClient(t *testing.T, handler http.Handler) *Client {
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(testCreds, Config{BaseURL: srv.URL})
}

func TestLoginStoresRotatingToken(t *testing.T) {
	stub := newVendorStub(t, "Xk29fLqT_41")
	c := newTestClient(t, stub)

	require.NoError(t, c.Login(context.Background()))
	assert.True(t, c.session.Authenticated())
	assert.Equal(t, 41, c.session.Counter())
	assert.Equal(t, 77, c.UserID())
}

func TestLoginRejectsMalformedToken(t *testing.T) {
	stub := newVendorStub(t, "no-separator-here")
	c := newTestClient(t, stub)

	err := c.Login(context.Background())
	assert.ErrorIs(t, err, session.ErrInvalidTokenFormat)
	assert.False(t, c.session.Authenticated())
}

func TestLoginFailsOnResultCode(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, envelope{ResCode: 3})
	}))

	err := c.Login(context.Background())
	require.Error(t, err)
	assert.False(t, c.session.Authenticated())
}

func TestRequestTokensIncrementByOne(t *testing.T) {
	stub := newVendorStub(t, "T1_0")
	c := newTestClient(t, stub)
	ctx := context.Background()

	require.NoError(t, c.Login(ctx))
	for i := 0; i < 3; i++ {
		state, err := c.GetDeviceState(ctx, testDevice, "1234")
		require.NoError(t, err)
		require.NotNil(t, state)
	}

	assert.Equal(t, []string{"T1_1", "T1_2", "T1_3"}, stub.tokens())
}

func TestConcurrentCallsAreSerialized(t *testing.T) {
	stub := newVendorStub(t, "T1_0")
	c := newTestClient(t, stub)
	ctx := context.Background()

	require.NoError(t, c.Login(ctx))

	const calls = 8
	var wg sync.WaitGroup
	for i := 0; i < calls; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.GetDeviceState(ctx, testDevice, "1234")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	// The lock is held from token computation through response read, so the
	// server must observe the counters in strictly increasing arrival order.
	want := make([]string, calls)
	for i := range want {
		want[i] = fmt.Sprintf("T1_%d", i+1)
	}
	assert.Equal(t, want, stub.tokens())
}

func TestExpiryTriggersRelogin(t *testing.T) {
	stub := newVendorStub(t, "T1_0", "T2_0")
	c := newTestClient(t, stub)
	ctx := context.Background()

	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return start }

	require.NoError(t, c.Login(ctx))
	_, err := c.GetDeviceState(ctx, testDevice, "1234")
	require.NoError(t, err)

	// Cross the safety margin; the next call must log in again before
	// producing a token, and the counter resets with the new base token.
	c.now = func() time.Time { return start.Add(2 * time.Hour) }
	_, err = c.GetDeviceState(ctx, testDevice, "1234")
	require.NoError(t, err)

	assert.Equal(t, 2, stub.loginCount())
	assert.Equal(t, []string{"T1_1", "T2_1"}, stub.tokens())
}

func TestFailedReloginYieldsSessionUnavailable(t *testing.T) {
	stub := newVendorStub(t, "T1_0")
	c := newTestClient(t, stub)
	ctx := context.Background()

	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return start }
	require.NoError(t, c.Login(ctx))

	stub.mu.Lock()
	stub.loginFail = true
	stub.mu.Unlock()
	c.now = func() time.Time { return start.Add(2 * time.Hour) }

	_, err := c.GetDeviceState(ctx, testDevice, "1234")
	assert.ErrorIs(t, err, ErrSessionUnavailable)

	// The session is cleared: the next call fails fast without another
	// login attempt.
	_, err = c.GetDeviceState(ctx, testDevice, "1234")
	assert.ErrorIs(t, err, ErrSessionUnavailable)
	assert.Equal(t, 1, stub.loginCount())
	assert.Empty(t, stub.tokens())
}

func TestUnauthenticatedCallFailsWithoutNetwork(t *testing.T) {
	requests := 0
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
	}))

	_, err := c.GetDeviceState(context.Background(), testDevice, "1234")
	assert.ErrorIs(t, err, ErrSessionUnavailable)
	assert.Zero(t, requests)
}

func TestListPlantsParsesEmbeddedPayload(t *testing.T) {
	plantsJSON, err := json.Marshal([]model.Plant{{
		ID:   9,
		Name: "Home",
		Devices: []model.Device{
			{Serial: "SER1", Name: "Polaris", FirmwareVersion: "1.2.3"},
		},
	}})
	require.NoError(t, err)

	stub := newVendorStub(t)
	mux := http.NewServeMux()
	mux.Handle("/apiTS/v2/Login", stub)
	mux.HandleFunc("/api/v1/GetPlants", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, envelope{ResCode: 0, ResDescr: string(plantsJSON)})
	})
	c := newTestClient(t, mux)
	ctx := context.Background()

	require.NoError(t, c.Login(ctx))
	plants, err := c.ListPlants(ctx)
	require.NoError(t, err)
	require.Len(t, plants, 1)
	assert.Equal(t, 9, plants[0].ID)
	require.Len(t, plants[0].Devices, 1)
	assert.Equal(t, "SER1", plants[0].Devices[0].Serial)
}

func TestListPlantsNonZeroResultCodeYieldsEmptyList(t *testing.T) {
	stub := newVendorStub(t)
	mux := http.NewServeMux()
	mux.Handle("/apiTS/v2/Login", stub)
	mux.HandleFunc("/api/v1/GetPlants", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, envelope{ResCode: 12})
	})
	c := newTestClient(t, mux)
	ctx := context.Background()

	require.NoError(t, c.Login(ctx))
	plants, err := c.ListPlants(ctx)
	assert.NoError(t, err)
	assert.Empty(t, plants)
}

func TestListPlantsRequiresSession(t *testing.T) {
	c := newTestClient(t, http.NewServeMux())
	_, err := c.ListPlants(context.Background())
	assert.ErrorIs(t, err, ErrSessionUnavailable)
}

func TestGetDeviceStateAbsentOnNon200(t *testing.T) {
	stub := newVendorStub(t)
	stub.stateStatus = http.StatusUnauthorized
	c := newTestClient(t, stub)
	ctx := context.Background()

	require.NoError(t, c.Login(ctx))
	state, err := c.GetDeviceState(ctx, testDevice, "1234")
	assert.NoError(t, err)
	assert.Nil(t, state)
}

func TestGetDeviceStateDecodesZones(t *testing.T) {
	stub := newVendorStub(t)
	c := newTestClient(t, stub)
	ctx := context.Background()

	require.NoError(t, c.Login(ctx))
	state, err := c.GetDeviceState(ctx, testDevice, "1234")
	require.NoError(t, err)
	require.NotNil(t, state)

	assert.Equal(t, "SER1", state.Serial)
	assert.True(t, state.IsCooling)
	assert.InDelta(t, 23.0, state.CanTemperature(), 0.001)
	require.Len(t, state.Zones, 1)
	zone := state.Zones[0]
	assert.InDelta(t, 21.5, zone.Temperature(), 0.001)
	assert.InDelta(t, 22.0, zone.Setpoint(), 0.001)
	assert.InDelta(t, 45.0, zone.RelativeHumidity(), 0.001)
	assert.InDelta(t, 100.0*2.0/3.0, zone.ShutterPosition(), 0.001)
}

type capturedCommand struct {
	outer map[string]any
	cmd   map[string]any
}

func captureCommand(t *testing.T, stub *vendorStub, path string, resCode int) (*Client, *capturedCommand) {
	captured := &capturedCommand{}
	mux := http.NewServeMux()
	mux.Handle("/apiTS/v2/Login", stub)
	mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured.outer))
		cmdStr, ok := captured.outer["Cmd"].(string)
		require.True(t, ok, "Cmd must be a JSON-encoded string")
		require.NoError(t, json.Unmarshal([]byte(cmdStr), &captured.cmd))
		writeJSON(w, envelope{ResCode: resCode})
	})
	return newTestClient(t, mux), captured
}

func TestUpdateZoneStateAppliesDefaults(t *testing.T) {
	stub := newVendorStub(t)
	c, captured := captureCommand(t, stub, "/api/v1/UpdateZonaData", 0)
	ctx := context.Background()

	require.NoError(t, c.Login(ctx))
	err := c.UpdateZoneState(ctx, testDevice, "1234", 3, ZoneCommand{
		IsOff:   Int(0),
		SetTemp: String("225"),
		Name:    "Living",
	})
	require.NoError(t, err)

	assert.Equal(t, "SER1", captured.outer["Serial"])
	assert.Equal(t, "1234", captured.outer["Pin"])
	assert.Equal(t, float64(3), captured.outer["ZoneId"])
	assert.Equal(t, "Polaris", captured.outer["Name"])

	assert.Equal(t, "upd_zona", captured.cmd["c"])
	assert.Equal(t, float64(3), captured.cmd["id_zona"])
	assert.Equal(t, "1234", captured.cmd["pin"])
	assert.Equal(t, float64(0), captured.cmd["is_off"])
	assert.Equal(t, "225", captured.cmd["t_set"])
	assert.Equal(t, "Living", captured.cmd["name"])
	// Vendor defaults for omitted fields.
	assert.Equal(t, "0", captured.cmd["shu_set"])
	assert.Equal(t, "0", captured.cmd["fan_set"])
	assert.Equal(t, float64(0), captured.cmd["is_crono"])
}

func TestUpdateZoneStateExplicitFanOverridesDefaults(t *testing.T) {
	stub := newVendorStub(t)
	c, captured := captureCommand(t, stub, "/api/v1/UpdateZonaData", 0)
	ctx := context.Background()

	require.NoError(t, c.Login(ctx))
	err := c.UpdateZoneState(ctx, testDevice, "1234", 3, ZoneCommand{
		ShutterSet: Int(16),
		FanSet:     Int(16),
	})
	require.NoError(t, err)

	assert.Equal(t, float64(16), captured.cmd["shu_set"])
	assert.Equal(t, float64(16), captured.cmd["fan_set"])
}

func TestUpdateControllerStateAppliesDefaults(t *testing.T) {
	stub := newVendorStub(t)
	c, captured := captureCommand(t, stub, "/api/v1/UpdateCUData", 0)
	ctx := context.Background()

	require.NoError(t, c.Login(ctx))
	require.NoError(t, c.UpdateControllerState(ctx, testDevice, "1234", ControllerCommand{}))

	assert.Equal(t, "upd_cu", captured.cmd["c"])
	assert.Equal(t, "1234", captured.cmd["pin"])
	assert.Equal(t, float64(0), captured.cmd["is_off"])
	assert.Equal(t, float64(1), captured.cmd["is_cool"])
	assert.Equal(t, float64(1), captured.cmd["cool_mod"])
	assert.Equal(t, float64(230), captured.cmd["t_can"])
	assert.Equal(t, float64(1), captured.cmd["f_inv"])
	assert.Equal(t, float64(1), captured.cmd["f_est"])
}

func TestUpdateControllerStateRejected(t *testing.T) {
	stub := newVendorStub(t)
	c, _ := captureCommand(t, stub, "/api/v1/UpdateCUData", 5)
	ctx := context.Background()

	require.NoError(t, c.Login(ctx))
	err := c.UpdateControllerState(ctx, testDevice, "1234", ControllerCommand{IsOff: Int(1)})

	var cmdErr *CommandError
	require.ErrorAs(t, err, &cmdErr)
	assert.Equal(t, 5, cmdErr.ResCode)
}

func TestCommandRejectedOnHTTPError(t *testing.T) {
	stub := newVendorStub(t)
	mux := http.NewServeMux()
	mux.Handle("/apiTS/v2/Login", stub)
	mux.HandleFunc("/api/v1/UpdateZonaData", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	c := newTestClient(t, mux)
	ctx := context.Background()

	require.NoError(t, c.Login(ctx))
	err := c.UpdateZoneState(ctx, testDevice, "1234", 1, ZoneCommand{})

	var cmdErr *CommandError
	require.ErrorAs(t, err, &cmdErr)
	assert.Equal(t, http.StatusBadGateway, cmdErr.StatusCode)
}

func TestCommandsConsumeCounterValues(t *testing.T) {
	stub := newVendorStub(t)
	mux := http.NewServeMux()
	mux.Handle("/apiTS/v2/Login", stub)
	mux.HandleFunc("/api/v1/UpdateCUData", func(w http.ResponseWriter, r *http.Request) {
		plain, err := stub.ciph.Decrypt(r.Header.Get("Token"))
		require.NoError(t, err)
		stub.mu.Lock()
		stub.seenTokens = append(stub.seenTokens, plain)
		stub.mu.Unlock()
		writeJSON(w, envelope{ResCode: 0})
	})
	c := newTestClient(t, mux)
	ctx := context.Background()

	require.NoError(t, c.Login(ctx))
	require.NoError(t, c.UpdateControllerState(ctx, testDevice, "1234", ControllerCommand{}))
	require.NoError(t, c.UpdateControllerState(ctx, testDevice, "1234", ControllerCommand{}))

	assert.Equal(t, []string{"T1_1", "T1_2"}, stub.tokens())
}

func TestLoginTokenDecryptFailureIsCryptoError(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, envelope{ResCode: 0, Token: "not-even-base64!!"})
	}))

	err := c.Login(context.Background())
	assert.ErrorIs(t, err, cipher.ErrCrypto)
	assert.False(t, c.session.Authenticated())
}
