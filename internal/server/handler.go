package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/howard-nolan/llmgateway/internal/provider"
	"github.com/howard-nolan/llmgateway/internal/quota"
	"github.com/howard-nolan/llmgateway/internal/session"
	"github.com/howard-nolan/llmgateway/internal/stream"
)

// recordTimeout bounds the usage writes that run after dispatch. They are
// detached from the request context, so they need their own deadline.
const recordTimeout = 10 * time.Second

// handleHealth is a liveness probe.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"providers": s.providers.Configured(),
	})
}

// handleStream handles POST /v1/ai/stream.
//
// Every rejection (auth, validation, quota) happens before the upstream
// call, so a request that is going to fail never costs a provider call.
// Once the upstream has accepted the call it is billed, whether or not the
// client stays to read the answer.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	log := zerolog.Ctx(r.Context())

	// Step 1: Resolve the session.
	id, err := s.sessions.Resolve(r)
	if err != nil {
		if errors.Is(err, session.ErrNoSession) {
			s.metrics.Request("", "unauthorized")
			writeError(w, http.StatusUnauthorized, "Unauthorized")
			return
		}
		log.Error().Err(err).Msg("session lookup failed")
		s.metrics.Request("", "session_error")
		writeError(w, http.StatusServiceUnavailable, "temporarily unable to verify session, please retry")
		return
	}

	// Step 2: Decode and validate the body.
	var req provider.ChatRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		s.metrics.Request("", "bad_request")
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if err := s.validate.Struct(&req); err != nil {
		s.metrics.Request(modeLabel(req.Mode), "bad_request")
		writeError(w, http.StatusBadRequest, validationMessage(err, &req))
		return
	}

	// Step 3: Normalize messages; the image is attached here.
	msgs, err := provider.NormalizeMessages(&req)
	if err != nil {
		s.metrics.Request(modeLabel(req.Mode), "bad_request")
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	p, err := s.providers.Get(req.Mode)
	if err != nil {
		log.Warn().Err(err).Str("mode", string(req.Mode)).Msg("mode not configured")
		s.metrics.Request(string(req.Mode), "not_configured")
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}

	// Step 4: Quota check.
	upstreamReq := &provider.Request{Messages: msgs, System: req.System, Model: req.Model}
	decision := s.quota.Check(r.Context(), id.UserID, func() int64 {
		return s.cost.Estimate(string(req.Mode), req.Model, requestTexts(upstreamReq))
	})
	s.metrics.QuotaDecision(string(decision.Tier), decision.Kind.String())

	if !decision.Allowed() {
		s.metrics.Request(string(req.Mode), "quota_denied")
		log.Info().
			Str("user_id", id.UserID).
			Str("tier", string(decision.Tier)).
			Int("status", decision.Status).
			Str("reason", decision.Message).
			Msg("quota denied")
		writeJSON(w, decision.Status, denialBody(decision))
		return
	}

	// Step 5: Dispatch. The timeout covers the whole stream, and
	// cancelling this context (client gone, or Write returning) stops the
	// adapter's goroutine and closes the upstream connection.
	ctx, cancel := context.WithTimeout(r.Context(), s.upstreamTimeout())
	defer cancel()

	dispatchStart := time.Now()
	chunks, err := provider.Dispatch(ctx, s.client, p, upstreamReq)
	s.metrics.Dispatch(p.Name(), time.Since(dispatchStart))
	if err != nil {
		// Nothing was delivered, so nothing is recorded.
		s.writeDispatchError(w, r, p.Name(), err)
		return
	}

	// Step 6: The upstream accepted the call; record usage now. The write
	// is detached from the request so a client disconnect can't skip it.
	recorded := make(chan error, 1)
	go func() {
		rctx, rcancel := context.WithTimeout(context.WithoutCancel(r.Context()), recordTimeout)
		defer rcancel()
		recorded <- s.quota.Record(rctx, id.UserID, decision.Tier, decision.Amount)
	}()

	// Step 7: Stream. The warning header has to go out before the first
	// frame, and is percent-encoded so non-ASCII text survives.
	if decision.Kind == quota.AllowWithWarning {
		w.Header().Set(billingWarnHeader, url.PathEscape(decision.Warning))
	}
	res, writeErr := stream.Write(w, chunks)
	cancel()

	s.metrics.Frames(p.Name(), res.Frames)
	if recErr := <-recorded; recErr != nil {
		s.metrics.RecordFailure()
		log.Error().Err(recErr).
			Str("user_id", id.UserID).
			Str("tier", string(decision.Tier)).
			Int64("amount", decision.Amount).
			Msg("recording usage failed")
	}

	outcome := "ok"
	switch {
	case writeErr != nil:
		outcome = "client_gone"
	case res.UpstreamErr != nil:
		outcome = "stream_error"
	}
	s.metrics.Request(p.Name(), outcome)

	ev := log.Info()
	if res.UpstreamErr != nil {
		ev = log.Warn().AnErr("upstream_error", res.UpstreamErr)
	}
	if writeErr != nil {
		ev = ev.AnErr("write_error", writeErr)
	}
	if res.Usage != nil {
		ev = ev.Int("total_tokens", res.Usage.TotalTokens)
	}
	ev.Str("user_id", id.UserID).
		Bool("auth_bypassed", id.Bypassed).
		Str("mode", p.Name()).
		Str("tier", string(decision.Tier)).
		Int64("amount", decision.Amount).
		Bool("billing_warn", decision.Kind == quota.AllowWithWarning).
		Int("frames", res.Frames).
		Int("bytes", res.Bytes).
		Dur("duration", time.Since(start)).
		Msg("stream complete")
}

// writeDispatchError maps a failed upstream call to a 5xx. An upstream 429
// means the shared provider key is throttled, which the client should see
// as a retryable gateway condition rather than its own rate limit.
func (s *Server) writeDispatchError(w http.ResponseWriter, r *http.Request, mode string, err error) {
	log := zerolog.Ctx(r.Context())

	if r.Context().Err() != nil {
		// The client left before the upstream answered; there's no one to
		// write to.
		log.Info().Err(err).Str("mode", mode).Msg("client disconnected during dispatch")
		s.metrics.Request(mode, "client_gone")
		return
	}

	body := errorBody{Error: fmt.Sprintf("%s request failed", mode)}
	status := http.StatusBadGateway

	var de *provider.DispatchError
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
		body.Error = fmt.Sprintf("%s did not respond in time", mode)
	case errors.As(err, &de) && de.Status != 0:
		body.UpstreamStatus = ptr(de.Status)
		body.Detail = de.Body
		if de.Status == http.StatusTooManyRequests || de.Status == http.StatusServiceUnavailable {
			status = http.StatusServiceUnavailable
		}
	}

	log.Error().Err(err).Str("mode", mode).Int("status", status).Msg("upstream dispatch failed")
	s.metrics.Request(mode, "upstream_error")
	writeJSON(w, status, body)
}

// denialBody renders a quota denial. canTopUp is always present on quota
// caps so clients can decide whether to offer a purchase.
func denialBody(d quota.Decision) errorBody {
	body := errorBody{Error: d.Message}
	switch d.Status {
	case http.StatusTooManyRequests:
		body.CanTopUp = ptr(false)
	case http.StatusPaymentRequired:
		body.CanTopUp = ptr(true)
		body.CurrentSpent = ptr(d.CurrentSpent)
		body.HardLimit = ptr(d.HardLimit)
	}
	return body
}

// validationMessage turns validator errors into one client-facing line.
func validationMessage(err error, req *provider.ChatRequest) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return "invalid request"
	}
	fe := verrs[0]
	switch fe.Field() {
	case "mode":
		if req.Mode == "" {
			return "mode is required"
		}
		return fmt.Sprintf("unsupported mode %q", req.Mode)
	case "image":
		return "image must be base64-encoded"
	}
	return fmt.Sprintf("invalid field %s (%s)", fe.Namespace(), fe.Tag())
}

// modeLabel returns mode as a metric label, or "" (reported as "unknown")
// when it isn't a supported mode. Labels must come from a closed set.
func modeLabel(mode provider.Mode) string {
	if slices.Contains(provider.Modes, mode) {
		return string(mode)
	}
	return ""
}

// requestTexts collects everything the cost model should count.
func requestTexts(req *provider.Request) []string {
	texts := make([]string, 0, len(req.Messages)+1)
	if req.System != "" {
		texts = append(texts, req.System)
	}
	for _, m := range req.Messages {
		texts = append(texts, m.Text())
	}
	return texts
}
