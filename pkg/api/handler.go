// Package api serves the caller-facing side of the proxy.
//
// Every GET and PUT is authenticated against the external credential pair
// and forwarded to frpc signed with the internal pair. PUT /api/config is
// not a plain forward: it applies the config, reloads frpc, rotates the
// external pair when the new config carries one, and persists what frpc
// reports back as its current config.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"

	"frpc-authproxy/pkg/journal"
	"frpc-authproxy/pkg/store"
	"frpc-authproxy/pkg/upstream"
)

const maxBodyBytes = 4 << 20

// Upstream is the subset of upstream.Client the handler drives.
type Upstream interface {
	Call(ctx context.Context, method, path string, body []byte) upstream.Result
	Reload(ctx context.Context) upstream.Result
	Probe(ctx context.Context) error
}

// Saver persists the authoritative config blob.
type Saver interface {
	Save(data []byte) bool
}

// Options configures a Handler. Store, Upstream and Saver are required.
type Options struct {
	Store    store.CredentialStore
	Upstream Upstream
	Saver    Saver
	Journal  journal.Journal
	Logger   hclog.Logger

	// SettleDelay is the fixed pause between the reload trigger and the
	// credential swap.
	SettleDelay time.Duration
	// SettleProbe, when positive, bounds how long frpc's status endpoint is
	// polled after the pause.
	SettleProbe time.Duration
}

// Handler is the proxy's http.Handler.
type Handler struct {
	store    store.CredentialStore
	upstream Upstream
	saver    Saver
	journal  journal.Journal
	logger   hclog.Logger

	settleDelay time.Duration
	settleProbe time.Duration
	probeEvery  time.Duration
	sleep       func(time.Duration)

	// updateMu keeps concurrent config updates from interleaving their
	// PUT/reload/swap/save steps.
	updateMu sync.Mutex
}

func NewHandler(opts Options) *Handler {
	logger := opts.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	j := opts.Journal
	if j == nil {
		j = journal.Nop{}
	}
	return &Handler{
		store:       opts.Store,
		upstream:    opts.Upstream,
		saver:       opts.Saver,
		journal:     j,
		logger:      logger,
		settleDelay: opts.SettleDelay,
		settleProbe: opts.SettleProbe,
		probeEvery:  100 * time.Millisecond,
		sleep:       time.Sleep,
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodPut {
		h.writeJSON(w, http.StatusNotImplemented, errorResponse{Error: "not implemented"})
		return
	}
	actor, ok := h.authenticate(r)
	if !ok {
		h.unauthorized(w)
		return
	}

	var body []byte
	if r.Method == http.MethodPut {
		var err error
		body, err = io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
		if err != nil {
			status := http.StatusBadRequest
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				status = http.StatusRequestEntityTooLarge
			}
			h.writeJSON(w, status, errorResponse{Error: err.Error()})
			return
		}
	}

	if r.Method == http.MethodPut && r.URL.Path == upstream.ConfigPath {
		h.updateConfig(w, r, actor, body)
		return
	}
	h.forward(w, r, body)
}

// forward relays the request to frpc and the answer back with a 200,
// whatever frpc said. Upstream failures arrive as an error-shaped body.
func (h *Handler) forward(w http.ResponseWriter, r *http.Request, body []byte) {
	res := h.upstream.Call(r.Context(), r.Method, r.URL.RequestURI(), body)
	if !res.OK() {
		h.logger.Warn("upstream call failed", "method", r.Method, "path", r.URL.Path, "error", res.Err)
	}
	contentType := res.ContentType
	if contentType == "" {
		contentType = "application/json"
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(res.Body); err != nil {
		h.logger.Debug("failed to write response", "error", err)
	}
}

// writeJSON writes v as the whole body, with no trailing newline.
func (h *Handler) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	b, err := json.Marshal(v)
	if err != nil {
		h.logger.Error("failed to encode response", "error", err)
		status = http.StatusInternalServerError
		b = []byte(`{"error":"internal error"}`)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(b); err != nil {
		h.logger.Debug("failed to write response", "error", err)
	}
}
