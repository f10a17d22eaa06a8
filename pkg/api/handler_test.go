package api

import (
	"bytes"
	"context"
	"encoding/base64"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"frpc-authproxy/pkg/model"
	"frpc-authproxy/pkg/persist"
	"frpc-authproxy/pkg/store"
	"frpc-authproxy/pkg/upstream"
)

const configFile = "/etc/frpc/frpc.toml"

var (
	adminPair    = model.Credentials{Username: "admin", Password: "secret"}
	internalPair = model.Credentials{Username: "frpc", Password: "internal-pw"}
)

const initialConfig = `serverAddr = "203.0.113.10"
serverPort = 7000
webServer.addr = "127.0.0.1"
webServer.port = 7402
webServer.user = "admin"
webServer.password = "secret"
`

const rotatedConfig = `serverAddr = "203.0.113.10"
serverPort = 7000
webServer.addr = "127.0.0.1"
webServer.port = 7402
webServer.user = "ops"
webServer.password = "newpw"
`

// fakeFRPC stands in for the frpc admin API. It only accepts the internal
// pair, so a test fails if the caller's credentials leak upstream.
type fakeFRPC struct {
	mu             sync.Mutex
	config         string
	refetchError   bool
	statusFailures int
	trace          []string
	lastBody       string
	srv            *httptest.Server
}

func newFakeFRPC(t *testing.T) *fakeFRPC {
	t.Helper()
	f := &fakeFRPC{config: initialConfig}
	f.srv = httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeFRPC) serve(w http.ResponseWriter, r *http.Request) {
	user, pass, ok := r.BasicAuth()
	if !ok || user != internalPair.Username || pass != internalPair.Password {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	body, _ := io.ReadAll(r.Body)

	f.mu.Lock()
	defer f.mu.Unlock()
	f.trace = append(f.trace, r.Method+" "+r.URL.RequestURI())
	f.lastBody = string(body)

	switch {
	case r.Method == http.MethodPut && r.URL.Path == upstream.ConfigPath:
		f.config = string(body)
		w.WriteHeader(http.StatusOK)
	case r.Method == http.MethodGet && r.URL.Path == upstream.ConfigPath:
		if f.refetchError {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"error":"config unavailable"}`))
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte(f.config))
	case r.Method == http.MethodGet && r.URL.Path == upstream.ReloadPath:
		w.WriteHeader(http.StatusOK)
	case r.Method == http.MethodGet && r.URL.Path == upstream.StatusPath:
		if f.statusFailures > 0 {
			f.statusFailures--
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"tcp":[]}`))
	default:
		w.Header().Set("Content-Type", "application/octet-stream")
		_, _ = w.Write([]byte("raw\x00bytes for " + r.Method + " " + r.URL.RequestURI()))
	}
}

func (f *fakeFRPC) calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.trace...)
}

type memJournal struct {
	mu      sync.Mutex
	records []model.UpdateRecord
}

func (m *memJournal) Record(_ context.Context, rec model.UpdateRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, rec)
	return nil
}

func (m *memJournal) Recent(context.Context, int) ([]model.UpdateRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.UpdateRecord(nil), m.records...), nil
}

func (m *memJournal) Close() error { return nil }

type harness struct {
	frpc    *fakeFRPC
	store   *store.MemoryStore
	fs      afero.Fs
	journal *memJournal
	handler *Handler
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	frpc := newFakeFRPC(t)
	st := store.NewMemoryStore(adminPair, internalPair)
	client, err := upstream.NewClient(frpc.srv.URL, st, nil)
	require.NoError(t, err)

	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, configFile, []byte(initialConfig), 0o600))
	j := &memJournal{}

	h := NewHandler(Options{
		Store:       st,
		Upstream:    client,
		Saver:       persist.NewWriter(fs, configFile, nil),
		Journal:     j,
		SettleDelay: 500 * time.Millisecond,
	})
	h.sleep = func(time.Duration) {}
	return &harness{frpc: frpc, store: st, fs: fs, journal: j, handler: h}
}

func (h *harness) do(method, target, body string, creds *model.Credentials) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if creds != nil {
		req.SetBasicAuth(creds.Username, creds.Password)
	}
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	return rec
}

func (h *harness) savedConfig(t *testing.T) string {
	t.Helper()
	b, err := afero.ReadFile(h.fs, configFile)
	require.NoError(t, err)
	return string(b)
}

func TestGetForwardsVerbatim(t *testing.T) {
	h := newHarness(t)

	rec := h.do(http.MethodGet, "/api/config", "", &adminPair)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, initialConfig, rec.Body.String())
	assert.Equal(t, "text/plain; charset=utf-8", rec.Header().Get("Content-Type"))
	assert.Equal(t, []string{"GET /api/config"}, h.frpc.calls())
}

func TestMissingAuthIsUnauthorized(t *testing.T) {
	h := newHarness(t)

	rec := h.do(http.MethodGet, "/api/config", "", nil)

	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, `Basic realm="frpc"`, rec.Header().Get("WWW-Authenticate"))
	assert.Equal(t, `{"error":"unauthorized"}`, rec.Body.String())
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Empty(t, h.frpc.calls())
}

func TestAuthFailuresAreIndistinguishable(t *testing.T) {
	h := newHarness(t)
	tests := []struct {
		name   string
		header string
	}{
		{"wrong password", "Basic " + base64.StdEncoding.EncodeToString([]byte("admin:wrong"))},
		{"wrong user", "Basic " + base64.StdEncoding.EncodeToString([]byte("root:secret"))},
		{"internal pair", "Basic " + base64.StdEncoding.EncodeToString([]byte("frpc:internal-pw"))},
		{"bad base64", "Basic !!!not-base64!!!"},
		{"missing colon", "Basic " + base64.StdEncoding.EncodeToString([]byte("adminsecret"))},
		{"bearer scheme", "Bearer abc"},
		{"empty", ""},
	}
	for _, method := range []string{http.MethodGet, http.MethodPut} {
		for _, tt := range tests {
			t.Run(method+" "+tt.name, func(t *testing.T) {
				req := httptest.NewRequest(method, "/api/config", strings.NewReader(rotatedConfig))
				if tt.header != "" {
					req.Header.Set("Authorization", tt.header)
				}
				rec := httptest.NewRecorder()
				h.handler.ServeHTTP(rec, req)

				require.Equal(t, http.StatusUnauthorized, rec.Code)
				assert.Equal(t, `Basic realm="frpc"`, rec.Header().Get("WWW-Authenticate"))
				assert.JSONEq(t, `{"error":"unauthorized"}`, rec.Body.String())
			})
		}
	}
	assert.Empty(t, h.frpc.calls())
	assert.Equal(t, adminPair, h.store.External())
}

func TestAnyStoredPairAuthenticates(t *testing.T) {
	h := newHarness(t)
	for _, c := range []model.Credentials{
		{Username: "ops", Password: "newpw"},
		{Username: "empty-password", Password: ""},
		{Username: "ünïcode", Password: "p:a:s:s"},
	} {
		require.True(t, h.store.SetExternal(c))
		assert.Equal(t, http.StatusOK, h.do(http.MethodGet, "/api/status", "", &c).Code, c.Username)
	}
}

func TestUnsupportedMethod(t *testing.T) {
	h := newHarness(t)
	for _, method := range []string{http.MethodPost, http.MethodDelete, http.MethodHead, http.MethodPatch} {
		rec := h.do(method, "/api/config", "", &adminPair)
		assert.Equal(t, http.StatusNotImplemented, rec.Code, method)
		if method != http.MethodHead {
			assert.Equal(t, `{"error":"not implemented"}`, rec.Body.String(), method)
		}
	}
	assert.Empty(t, h.frpc.calls())
}

func TestUpdateRotatesCredentials(t *testing.T) {
	h := newHarness(t)

	rec := h.do(http.MethodPut, "/api/config", rotatedConfig, &adminPair)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"updated","saved":true}`, rec.Body.String())
	assert.Equal(t, `{"status":"updated","saved":true}`, rec.Body.String())

	ops := model.Credentials{Username: "ops", Password: "newpw"}
	assert.Equal(t, http.StatusOK, h.do(http.MethodGet, "/api/status", "", &ops).Code)
	assert.Equal(t, http.StatusUnauthorized, h.do(http.MethodGet, "/api/status", "", &adminPair).Code)
	assert.Equal(t, internalPair, h.store.Internal())
	assert.Equal(t, rotatedConfig, h.savedConfig(t))

	require.Len(t, h.journal.records, 1)
	j := h.journal.records[0]
	assert.True(t, j.Rotated)
	assert.True(t, j.Saved)
	assert.Equal(t, "admin", j.Actor)
	assert.Equal(t, "ops", j.NewUser)
	assert.Empty(t, j.ForwardErr)
	assert.Empty(t, j.ReloadErr)
}

func TestUpdateWithoutCredentialsIsNoOpRotation(t *testing.T) {
	h := newHarness(t)
	body := "serverAddr = \"198.51.100.7\"\nserverPort = 7000\n"

	rec := h.do(http.MethodPut, "/api/config", body, &adminPair)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"updated","saved":true}`, rec.Body.String())
	assert.Equal(t, adminPair, h.store.External())
	assert.Equal(t, body, h.savedConfig(t))
	assert.False(t, h.journal.records[0].Rotated)
}

func TestUpdateOrder(t *testing.T) {
	h := newHarness(t)

	h.do(http.MethodPut, "/api/config", rotatedConfig, &adminPair)

	assert.Equal(t, []string{
		"PUT /api/config",
		"GET /api/reload",
		"GET /api/config",
	}, h.frpc.calls())
}

func TestCredentialsSwapAfterReloadAndSettle(t *testing.T) {
	h := newHarness(t)
	var slept []time.Duration
	h.handler.sleep = func(d time.Duration) {
		slept = append(slept, d)
		// During the settle pause frpc already reloaded but the proxy still
		// gatekeeps on the old pair.
		assert.Equal(t, []string{"PUT /api/config", "GET /api/reload"}, h.frpc.calls())
		assert.Equal(t, adminPair, h.store.External())
	}

	h.do(http.MethodPut, "/api/config", rotatedConfig, &adminPair)

	assert.Equal(t, []time.Duration{500 * time.Millisecond}, slept)
	assert.Equal(t, "ops", h.store.External().Username)
}

func TestUpdateErrorShapedRefetchKeepsFile(t *testing.T) {
	h := newHarness(t)
	h.frpc.refetchError = true

	rec := h.do(http.MethodPut, "/api/config", rotatedConfig, &adminPair)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"updated","saved":true}`, rec.Body.String())
	assert.Equal(t, initialConfig, h.savedConfig(t))
	require.Len(t, h.journal.records, 1)
	assert.False(t, h.journal.records[0].Saved)
	assert.NotEmpty(t, h.journal.records[0].SkipReason)
}

func TestUpdateIdempotent(t *testing.T) {
	h := newHarness(t)

	h.do(http.MethodPut, "/api/config", rotatedConfig, &adminPair)
	firstCreds, firstFile := h.store.External(), h.savedConfig(t)

	ops := model.Credentials{Username: "ops", Password: "newpw"}
	rec := h.do(http.MethodPut, "/api/config", rotatedConfig, &ops)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, firstCreds, h.store.External())
	assert.Equal(t, firstFile, h.savedConfig(t))
}

func TestUpdateWithUpstreamDown(t *testing.T) {
	h := newHarness(t)
	h.frpc.srv.Close()

	rec := h.do(http.MethodPut, "/api/config", rotatedConfig, &adminPair)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"updated","saved":true}`, rec.Body.String())
	assert.Equal(t, initialConfig, h.savedConfig(t))
	j := h.journal.records[0]
	assert.NotEmpty(t, j.ForwardErr)
	assert.NotEmpty(t, j.ReloadErr)
	assert.False(t, j.Saved)
}

func TestPutOtherPathForwards(t *testing.T) {
	h := newHarness(t)

	rec := h.do(http.MethodPut, "/api/proxy/ssh?dry=1", "payload-bytes", &adminPair)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "raw\x00bytes for PUT /api/proxy/ssh?dry=1", rec.Body.String())
	assert.Equal(t, "application/octet-stream", rec.Header().Get("Content-Type"))
	assert.Equal(t, []string{"PUT /api/proxy/ssh?dry=1"}, h.frpc.calls())
	assert.Equal(t, "payload-bytes", h.frpc.lastBody)
	assert.Equal(t, initialConfig, h.savedConfig(t))
	assert.Empty(t, h.journal.records)
}

func TestForwardUpstreamDownIsErrorShaped(t *testing.T) {
	h := newHarness(t)
	h.frpc.srv.Close()

	rec := h.do(http.MethodGet, "/api/status", "", &adminPair)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), `"error"`)
}

func TestSettleProbe(t *testing.T) {
	h := newHarness(t)
	h.frpc.statusFailures = 2
	h.handler.settleProbe = 2 * time.Second
	h.handler.probeEvery = time.Millisecond

	h.do(http.MethodPut, "/api/config", rotatedConfig, &adminPair)

	assert.Equal(t, []string{
		"PUT /api/config",
		"GET /api/reload",
		"GET /api/status",
		"GET /api/status",
		"GET /api/status",
		"GET /api/config",
	}, h.frpc.calls())
	assert.Equal(t, "ops", h.store.External().Username)
}

func TestAccessLogRecordsStatus(t *testing.T) {
	h := newHarness(t)
	var buf bytes.Buffer
	logger := hclog.New(&hclog.LoggerOptions{Output: &buf, Level: hclog.Info})

	rec := httptest.NewRecorder()
	AccessLog(h.handler, logger).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/config", nil))

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, buf.String(), "status=401")
	assert.Contains(t, buf.String(), "path=/api/config")
}

func TestConcurrentUpdatesAreSerialised(t *testing.T) {
	h := newHarness(t)
	paused := make(chan struct{}, 2)
	release := make(chan struct{})
	h.handler.sleep = func(time.Duration) {
		paused <- struct{}{}
		<-release
	}
	configPuts := func() int {
		n := 0
		for _, c := range h.frpc.calls() {
			if c == "PUT /api/config" {
				n++
			}
		}
		return n
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		assert.Equal(t, http.StatusOK, h.do(http.MethodPut, "/api/config", rotatedConfig, &adminPair).Code)
	}()
	<-paused

	// The first update holds the settle pause; the second is authenticated
	// with the still-current pair and must wait for it.
	go func() {
		defer wg.Done()
		assert.Equal(t, http.StatusOK, h.do(http.MethodPut, "/api/config", initialConfig, &adminPair).Code)
	}()
	assert.Never(t, func() bool { return configPuts() > 1 }, 200*time.Millisecond, 10*time.Millisecond)

	rec := h.do(http.MethodGet, "/api/status", "", &adminPair)
	assert.Equal(t, http.StatusOK, rec.Code, "reads must not wait for an update in progress")

	close(release)
	wg.Wait()

	var updates []string
	for _, c := range h.frpc.calls() {
		if c != "GET /api/status" {
			updates = append(updates, c)
		}
	}
	assert.Equal(t, []string{
		"PUT /api/config", "GET /api/reload", "GET /api/config",
		"PUT /api/config", "GET /api/reload", "GET /api/config",
	}, updates)
	assert.Equal(t, adminPair, h.store.External())
	assert.Equal(t, initialConfig, h.savedConfig(t))
	assert.Len(t, h.journal.records, 2)
}
