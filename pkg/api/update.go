package api

import (
	"context"
	"net/http"
	"time"

	"github.com/sethvargo/go-retry"

	"frpc-authproxy/pkg/extract"
	"frpc-authproxy/pkg/model"
	"frpc-authproxy/pkg/upstream"
)

// updateConfig applies a new frpc config. The steps run in a fixed order:
// frpc must hold the new config before it is asked to reload, and the
// external pair is swapped only after the reload had time to land, so there
// is no window where frpc and the proxy disagree about who may log in.
// Only authentication can fail the request; every later failure is logged
// and the caller still gets the acknowledgment.
func (h *Handler) updateConfig(w http.ResponseWriter, r *http.Request, actor string, body []byte) {
	h.updateMu.Lock()
	defer h.updateMu.Unlock()

	// The orchestration runs to completion even if the caller hangs up.
	ctx := context.WithoutCancel(r.Context())
	rec := model.UpdateRecord{
		RemoteAddr: r.RemoteAddr,
		Actor:      actor,
		BodyBytes:  len(body),
		Timestamp:  time.Now(),
	}

	candidate, rotate := extract.Extract(body)

	if res := h.upstream.Call(ctx, http.MethodPut, upstream.ConfigPath, body); !res.OK() {
		h.logger.Error("forwarding config to frpc failed", "error", res.Err)
		rec.ForwardErr = res.Err.Error()
	}

	if res := h.upstream.Reload(ctx); !res.OK() {
		h.logger.Warn("frpc reload failed; continuing", "error", res.Err)
		rec.ReloadErr = res.Err.Error()
	}

	h.settle(ctx)

	if rotate && h.store.SetExternal(candidate) {
		rec.Rotated = true
		rec.NewUser = candidate.Username
		h.logger.Info("external credentials rotated", "user", candidate.Username, "by", actor)
	}

	rec.Saved = h.saveCurrent(ctx, &rec)

	if err := h.journal.Record(ctx, rec); err != nil {
		h.logger.Warn("journal write failed", "error", err)
	}
	h.writeJSON(w, http.StatusOK, updateResponse{Status: "updated", Saved: true})
}

// settle gives frpc time to apply the reload. frpc has no reload-complete
// signal, so the pause is a heuristic; the optional probe only confirms
// that frpc answers again.
func (h *Handler) settle(ctx context.Context) {
	if h.settleDelay > 0 {
		h.sleep(h.settleDelay)
	}
	if h.settleProbe <= 0 {
		return
	}
	backoff := retry.WithMaxDuration(h.settleProbe, retry.NewConstant(h.probeEvery))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := h.upstream.Probe(ctx); err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		h.logger.Warn("frpc did not answer status probe after reload", "error", err)
	}
}

// saveCurrent re-reads the config from frpc, which may have normalized it,
// and persists it. An error-shaped answer is never written to disk.
func (h *Handler) saveCurrent(ctx context.Context, rec *model.UpdateRecord) bool {
	res := h.upstream.Call(ctx, http.MethodGet, upstream.ConfigPath, nil)
	if res.ErrorShaped() {
		reason := "frpc returned an error-shaped config"
		if res.Err != nil {
			reason = res.Err.Error()
		}
		rec.SkipReason = reason
		h.logger.Warn("config not persisted", "reason", reason)
		return false
	}
	return h.saver.Save(res.Body)
}
