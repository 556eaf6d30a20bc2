package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trymwestin/owletd/internal/core/api"
	"github.com/trymwestin/owletd/internal/core/state"
)

type fakeCommander struct {
	ack      bool
	err      error
	raw      map[string]api.Properties
	commands []struct {
		DSN string
		On  bool
	}
}

func (f *fakeCommander) ControlBaseStation(_ context.Context, dsn string, on bool) (bool, error) {
	f.commands = append(f.commands, struct {
		DSN string
		On  bool
	}{dsn, on})
	return f.ack, f.err
}

func (f *fakeCommander) RawProperties(dsn string) (api.Properties, bool) {
	p, ok := f.raw[dsn]
	return p, ok
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer(t *testing.T, cmd *fakeCommander, corsAll bool) (*httptest.Server, *state.Store) {
	t.Helper()

	store := state.NewStore(state.NewEventBus(testLogger()), testLogger())
	srv := httptest.NewServer(NewServer(store, cmd, api.RegionWorld, corsAll, testLogger()).Handler())
	t.Cleanup(srv.Close)
	return srv, store
}

func registerSock(store *state.Store, dsn string) {
	store.Register(api.Device{
		Descriptor: api.Descriptor{DSN: dsn, Name: "Nursery", Model: "OWL"},
		Version:    api.Version3,
	})
}

func getJSON(t *testing.T, url string, out any) *http.Response {
	t.Helper()

	resp, err := http.Get(url)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	if out != nil {
		require.NoError(t, jsonDecode(resp.Body, out))
	}
	return resp
}

func jsonDecode(r io.Reader, out any) error {
	return json.NewDecoder(r).Decode(out)
}

func TestGetStatus(t *testing.T) {
	srv, store := newTestServer(t, &fakeCommander{}, false)
	registerSock(store, "DSN-A")
	registerSock(store, "DSN-B")

	var got struct {
		Region  string `json:"region"`
		Devices int    `json:"devices"`
	}
	resp := getJSON(t, srv.URL+"/api/status", &got)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "world", got.Region)
	assert.Equal(t, 2, got.Devices)
}

func TestGetDevicesSorted(t *testing.T) {
	srv, store := newTestServer(t, &fakeCommander{}, false)
	registerSock(store, "DSN-B")
	registerSock(store, "DSN-A")

	var got struct {
		Devices []state.DeviceState `json:"devices"`
	}
	resp := getJSON(t, srv.URL+"/api/devices", &got)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, got.Devices, 2)
	assert.Equal(t, "DSN-A", got.Devices[0].DSN)
	assert.Equal(t, "DSN-B", got.Devices[1].DSN)
}

func TestGetVitals(t *testing.T) {
	srv, store := newTestServer(t, &fakeCommander{}, false)
	registerSock(store, "DSN-A")
	store.UpdateVitals("DSN-A", "rev8", api.Version3, state.Vitals{"heart_rate": 140.0})

	var got state.DeviceState
	resp := getJSON(t, srv.URL+"/api/devices/DSN-A/vitals", &got)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 140.0, got.Vitals["heart_rate"])
	assert.True(t, got.Reachable)

	resp = getJSON(t, srv.URL+"/api/devices/DSN-X/vitals", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestGetRaw(t *testing.T) {
	cmd := &fakeCommander{raw: map[string]api.Properties{
		"DSN-A": {"CHARGE_STATUS": {Name: "CHARGE_STATUS", Value: 1.0}},
	}}
	srv, store := newTestServer(t, cmd, false)
	registerSock(store, "DSN-A")

	var got map[string]api.Property
	resp := getJSON(t, srv.URL+"/api/devices/DSN-A/raw", &got)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, got, "CHARGE_STATUS")

	resp = getJSON(t, srv.URL+"/api/devices/DSN-X/raw", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestBaseStationCommand(t *testing.T) {
	cmd := &fakeCommander{ack: true}
	srv, store := newTestServer(t, cmd, false)
	registerSock(store, "DSN-A")

	resp, err := http.Post(srv.URL+"/api/devices/DSN-A/basestation", "application/json", strings.NewReader(`{"on":true}`))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var got struct {
		Status       string `json:"status"`
		Acknowledged bool   `json:"acknowledged"`
	}
	require.NoError(t, jsonDecode(resp.Body, &got))
	assert.Equal(t, "ok", got.Status)
	assert.True(t, got.Acknowledged)

	require.Len(t, cmd.commands, 1)
	assert.Equal(t, "DSN-A", cmd.commands[0].DSN)
	assert.True(t, cmd.commands[0].On)
}

func TestBaseStationErrors(t *testing.T) {
	cmd := &fakeCommander{err: errors.New("vendor down")}
	srv, store := newTestServer(t, cmd, false)
	registerSock(store, "DSN-A")

	resp, err := http.Post(srv.URL+"/api/devices/DSN-X/basestation", "application/json", strings.NewReader(`{"on":true}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, err = http.Post(srv.URL+"/api/devices/DSN-A/basestation", "application/json", strings.NewReader(`not json`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Post(srv.URL+"/api/devices/DSN-A/basestation", "application/json", strings.NewReader(`{"on":false}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
}

func TestCORS(t *testing.T) {
	srv, _ := newTestServer(t, &fakeCommander{}, true)

	req, err := http.NewRequest(http.MethodOptions, srv.URL+"/api/status", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))

	// CORS disabled: no header.
	plain, _ := newTestServer(t, &fakeCommander{}, false)
	resp = getJSON(t, plain.URL+"/api/status", nil)
	assert.Empty(t, resp.Header.Get("Access-Control-Allow-Origin"))
}
