package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/google/uuid"

	gateway "github.com/chenpu17/cc-gw-sub003/internal"
	"github.com/chenpu17/cc-gw-sub003/internal/normalizer"
)

// bodyPool reuses buffers for request body reads, avoiding a fresh
// allocation from json.NewDecoder on every call.
var bodyPool = sync.Pool{New: func() any { return new(bytes.Buffer) }}

// readRequestBody reads r.Body via bodyPool, capped at limit bytes. Callers
// must return buf to bodyPool once done with the returned slice.
func readRequestBody(w http.ResponseWriter, r *http.Request, limit int64) ([]byte, *bytes.Buffer, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	buf := bodyPool.Get().(*bytes.Buffer)
	buf.Reset()
	if _, err := buf.ReadFrom(r.Body); err != nil {
		bodyPool.Put(buf)
		writeJSON(w, http.StatusRequestEntityTooLarge, errorResponseCode("invalid_request_error", "request body too large or unreadable"))
		return nil, nil, false
	}
	return buf.Bytes(), buf, true
}

// handleModelRequest returns a handler bound to one caller-facing endpoint
// family (Anthropic messages, OpenAI chat/completions, or OpenAI responses),
// implementing the state machine in spec §4.13: decode, route, dispatch,
// relay, record.
func (s *server) handleModelRequest(ef gateway.EndpointFamily) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := gateway.APIKeyFromContext(r.Context())
		if key != nil && !key.AllowsEndpoint(ef) {
			writeJSON(w, http.StatusForbidden, errorResponseCode("forbidden", "this key is not scoped to this endpoint"))
			return
		}

		limit := s.deps.Config.Get().BodyLimitBytes
		if limit <= 0 {
			limit = 10 << 20
		}
		body, buf, ok := readRequestBody(w, r, limit)
		if !ok {
			return
		}
		defer bodyPool.Put(buf)

		payload, err := normalizer.DecodeRequest(ef, body)
		if err != nil {
			slog.LogAttrs(r.Context(), slog.LevelWarn, "request decode error", slog.String("error", err.Error()))
			writeJSON(w, http.StatusBadRequest, errorResponseCode("invalid_request_error", "malformed request body"))
			return
		}

		target, err := s.deps.Router.Resolve(r.Context(), ef, payload)
		if err != nil {
			s.recordTerminal(r, ef, target, payload, http.StatusBadGateway, 0, "", err)
			writeJSON(w, http.StatusBadGateway, errorResponseCode("route_unresolved", "no upstream provider could serve this model"))
			return
		}

		connector, err := s.deps.Providers.Get(target.ProviderID)
		if err != nil {
			s.recordTerminal(r, ef, target, payload, http.StatusBadGateway, 0, "", err)
			writeJSON(w, http.StatusBadGateway, errorResponseCode("route_unresolved", "resolved provider is not registered"))
			return
		}

		start := time.Now()
		resp, err := connector.Send(r.Context(), target, payload)
		if err != nil {
			s.recordBreaker(target.ProviderID, err)
			s.recordTerminal(r, ef, target, payload, http.StatusBadGateway, time.Since(start).Milliseconds(), "", err)
			writeJSON(w, http.StatusBadGateway, errorResponseCode("upstream_error", "upstream request failed"))
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 400 {
			s.recordBreaker(target.ProviderID, gateway.ErrUpstream)
			raw, _ := io.ReadAll(resp.Body)
			s.recordTerminal(r, ef, target, payload, resp.StatusCode, time.Since(start).Milliseconds(), "", errors.New(string(raw)))
			w.Header()["Content-Type"] = jsonCT
			w.WriteHeader(resp.StatusCode)
			w.Write(raw)
			return
		}
		s.recordBreaker(target.ProviderID, nil)

		if payload.Stream {
			s.streamResponse(w, r, ef, target, payload, connector, resp, start, body)
			return
		}
		s.bufferedResponse(w, r, ef, target, payload, connector, resp, start, body)
	}
}

// bufferedResponse handles the non-streaming path: read the full upstream
// body, translate it, write once, and log.
func (s *server) bufferedResponse(w http.ResponseWriter, r *http.Request, ef gateway.EndpointFamily, target gateway.RouteTarget, payload *gateway.NormalizedPayload, connector gateway.Connector, resp *gateway.UpstreamResponse, start time.Time, promptRaw []byte) {
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		s.recordTerminal(r, ef, target, payload, http.StatusBadGateway, time.Since(start).Milliseconds(), "", err)
		writeJSON(w, http.StatusBadGateway, errorResponseCode("upstream_error", "failed reading upstream response"))
		return
	}
	msg, usage, err := connector.DecodeBuffered(raw)
	if err != nil {
		s.recordTerminal(r, ef, target, payload, http.StatusBadGateway, time.Since(start).Milliseconds(), "", err)
		writeJSON(w, http.StatusBadGateway, errorResponseCode("upstream_error", "failed decoding upstream response"))
		return
	}
	out, err := normalizer.EncodeBuffered(ef, payload.RequestedModel, msg, usage)
	if err != nil {
		s.recordTerminal(r, ef, target, payload, http.StatusInternalServerError, time.Since(start).Milliseconds(), "", err)
		writeJSON(w, http.StatusInternalServerError, errorResponseCode("internal_error", "failed encoding response"))
		return
	}
	w.Header()["Content-Type"] = jsonCT
	w.WriteHeader(http.StatusOK)
	w.Write(out)

	s.recordSuccess(r, ef, target, payload, http.StatusOK, time.Since(start).Milliseconds(), 0, 0, usage, promptRaw, out)
}

// streamResponse pumps the upstream event channel through the Protocol
// Normalizer's streaming encoder and writes SSE frames as they arrive,
// stamping TTFT on the first content-bearing event and computing TPOT on
// completion, per spec §4.9. The lazy keep-alive ticker mirrors the
// reference service's allocation-conscious idiom: no ticker is created
// until at least one chunk has been written.
func (s *server) streamResponse(w http.ResponseWriter, r *http.Request, ef gateway.EndpointFamily, target gateway.RouteTarget, payload *gateway.NormalizedPayload, connector gateway.Connector, resp *gateway.UpstreamResponse, start time.Time, promptRaw []byte) {
	writeSSEHeaders(w)
	flusher, ok := w.(http.Flusher)
	if !ok {
		slog.Error("ResponseWriter does not implement http.Flusher")
		return
	}
	flusher.Flush()

	msgID := "msg_" + uuid.Must(uuid.NewV7()).String()
	state := normalizer.NewEncodeState(ef, msgID, payload.RequestedModel)

	ch := make(chan gateway.Event, 16)
	go connector.DecodeStream(r.Context(), resp.Body, ch)

	var ttftMs int64
	var ttftTime time.Time
	var usage gateway.Usage
	var outputTokens int
	var keepAlive *time.Ticker
	var sent bytes.Buffer
	var captureResponse = s.persistsPayloads()
	defer func() {
		if keepAlive != nil {
			keepAlive.Stop()
		}
	}()

	for {
		if keepAlive == nil {
			select {
			case ev, chOpen := <-ch:
				if !s.pumpEvent(w, flusher, state, ev, chOpen, start, &ttftMs, &ttftTime, &usage, &outputTokens, captureResponse, &sent) {
					s.finishStream(r, ef, target, payload, start, ttftMs, usage, outputTokens, promptRaw, &sent)
					return
				}
				keepAlive = time.NewTicker(15 * time.Second)
			case <-r.Context().Done():
				s.finishAborted(r, ef, target, payload, start)
				return
			}
			continue
		}

		select {
		case ev, chOpen := <-ch:
			if !s.pumpEvent(w, flusher, state, ev, chOpen, start, &ttftMs, &ttftTime, &usage, &outputTokens, captureResponse, &sent) {
				s.finishStream(r, ef, target, payload, start, ttftMs, usage, outputTokens, promptRaw, &sent)
				return
			}
		case <-keepAlive.C:
			writeSSEKeepAlive(w)
			flusher.Flush()
		case <-r.Context().Done():
			s.finishAborted(r, ef, target, payload, start)
			return
		}
	}
}

// pumpEvent writes the wire frames for one intermediate Event and updates
// the meter state (TTFT stamp, output-token heuristic). Returns false once
// the stream has ended (closed channel, EventMessageStop, or EventError).
// When capture is true, every frame's data is also appended to sent so the
// assembled response can be persisted alongside the prompt.
func (s *server) pumpEvent(w http.ResponseWriter, flusher http.Flusher, state *normalizer.EncodeState, ev gateway.Event, chOpen bool, start time.Time, ttftMs *int64, ttftTime *time.Time, usage *gateway.Usage, outputTokens *int, capture bool, sent *bytes.Buffer) bool {
	if !chOpen {
		return false
	}

	if *ttftMs == 0 && (ev.Type == gateway.EventTextDelta || ev.Type == gateway.EventToolCallDelta) {
		*ttftTime = time.Now()
		*ttftMs = ttftTime.Sub(start).Milliseconds()
	}
	switch ev.Type {
	case gateway.EventTextDelta:
		*outputTokens += heuristicTokens(len(ev.Text))
	case gateway.EventToolCallDelta:
		*outputTokens += heuristicTokens(len(ev.ToolCallArgsChunk))
	case gateway.EventUsage:
		*usage = ev.Usage
	}

	for _, f := range state.EncodeEvent(ev) {
		writeSSEFrame(w, f.Event, f.Data)
		if capture {
			sent.Write(f.Data)
			sent.WriteByte('\n')
		}
	}
	flusher.Flush()

	return ev.Type != gateway.EventMessageStop && ev.Type != gateway.EventError
}

// heuristicTokens estimates output tokens from chunk byte length when the
// upstream has not yet reported real usage (spec §4.9: chunk length / 4).
func heuristicTokens(n int) int { return n / 4 }

func (s *server) finishStream(r *http.Request, ef gateway.EndpointFamily, target gateway.RouteTarget, payload *gateway.NormalizedPayload, start time.Time, ttftMs int64, usage gateway.Usage, outputTokens int, promptRaw []byte, sent *bytes.Buffer) {
	elapsed := time.Since(start)
	var tpot float64
	n := usage.OutputTokens
	if n == 0 {
		n = outputTokens
	}
	if n > 0 && ttftMs > 0 {
		tpot = float64(elapsed.Milliseconds()-ttftMs) / float64(n)
	}
	s.recordSuccess(r, ef, target, payload, http.StatusOK, elapsed.Milliseconds(), ttftMs, tpot, usage, promptRaw, sent.Bytes())
}

func (s *server) finishAborted(r *http.Request, ef gateway.EndpointFamily, target gateway.RouteTarget, payload *gateway.NormalizedPayload, start time.Time) {
	s.recordTerminal(r, ef, target, payload, 0, time.Since(start).Milliseconds(), "client_closed", gateway.ErrClientClosed)
}

// persistsPayloads reports whether the live config snapshot asks the
// gateway to retain compressed prompt/response bodies alongside each log
// row.
func (s *server) persistsPayloads() bool {
	return s.deps.Store != nil && s.deps.Config.Get().PersistPayloads
}

// recordBreaker reports a dispatch outcome to the per-provider health
// tracker. The tracker never gates dispatch; it only feeds GET /api/status.
func (s *server) recordBreaker(providerID string, err error) {
	if s.deps.Breakers == nil {
		return
	}
	b := s.deps.Breakers.GetOrCreate(providerID)
	if err == nil {
		b.RecordSuccess()
		return
	}
	b.RecordError(1.0)
}

func (s *server) recordSuccess(r *http.Request, ef gateway.EndpointFamily, target gateway.RouteTarget, payload *gateway.NormalizedPayload, status int, latencyMs, ttftMs int64, tpotMs float64, usage gateway.Usage, promptRaw, responseRaw []byte) {
	var compressedPrompt, compressedResponse []byte
	if s.persistsPayloads() && len(promptRaw) > 0 {
		compressedPrompt = compressBrotli(promptRaw)
		compressedResponse = compressBrotli(responseRaw)
	}
	s.recordLog(r, ef, target, payload, status, latencyMs, ttftMs, tpotMs, usage, "", compressedPrompt, compressedResponse)
}

func (s *server) recordTerminal(r *http.Request, ef gateway.EndpointFamily, target gateway.RouteTarget, payload *gateway.NormalizedPayload, status int, latencyMs int64, errTag string, err error) {
	msg := errTag
	if msg == "" && err != nil {
		msg = err.Error()
	}
	s.recordLog(r, ef, target, payload, status, latencyMs, 0, 0, gateway.Usage{}, msg, nil, nil)
}

// recordLog assembles and enqueues one request_logs row, returning the id
// it assigned. When compressedPrompt/compressedResponse are non-nil they
// ride along on the same row so the UsageRecorder writes the
// request_payloads child row only after this row's insert has committed --
// persisting it any earlier would race the parent row past its foreign key.
func (s *server) recordLog(r *http.Request, ef gateway.EndpointFamily, target gateway.RouteTarget, payload *gateway.NormalizedPayload, status int, latencyMs, ttftMs int64, tpotMs float64, usage gateway.Usage, errMsg string, compressedPrompt, compressedResponse []byte) string {
	if s.deps.Usage == nil {
		return ""
	}
	log := gateway.RequestLog{
		ID:                 uuid.Must(uuid.NewV7()).String(),
		RequestID:          gateway.RequestIDFromContext(r.Context()),
		TimestampMs:        time.Now().UnixMilli(),
		Endpoint:           ef,
		ProviderID:         target.ProviderID,
		UpstreamModel:      target.UpstreamModel,
		Stream:             payload != nil && payload.Stream,
		LatencyMs:          latencyMs,
		HTTPStatus:         status,
		InputTokens:        usage.InputTokens,
		OutputTokens:       usage.OutputTokens,
		CachedTokens:       usage.CachedTokens,
		TTFTMs:             ttftMs,
		TPOTMs:             tpotMs,
		ErrorMessage:       errMsg,
		CompressedPrompt:   compressedPrompt,
		CompressedResponse: compressedResponse,
	}
	if payload != nil {
		log.ClientModel = payload.RequestedModel
	}
	if key := gateway.APIKeyFromContext(r.Context()); key != nil {
		log.APIKeyID = key.ID
		log.APIKeyName = key.Name
		log.APIKeyMasked = key.Masked()
	}
	s.deps.Usage.Record(log)
	return log.ID
}

func compressBrotli(data []byte) []byte {
	if len(data) == 0 {
		return nil
	}
	var buf bytes.Buffer
	wr := brotli.NewWriterLevel(&buf, brotli.DefaultCompression)
	if _, err := wr.Write(data); err != nil {
		return nil
	}
	if err := wr.Close(); err != nil {
		return nil
	}
	return buf.Bytes()
}

type apiError struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// errorResponse builds the uniform {error:{code,message}} body with a
// generic code, for call sites (middleware) that only have a message.
func errorResponse(msg string) apiError {
	return errorResponseCode("error", msg)
}

// errorResponseCode builds the uniform error body with an explicit code,
// for call sites that can name the failure kind from spec §7.
func errorResponseCode(code, msg string) apiError {
	var e apiError
	e.Error.Code = code
	e.Error.Message = msg
	return e
}

func errorStatus(err error) int {
	switch {
	case errors.Is(err, gateway.ErrUnauthorized), errors.Is(err, gateway.ErrKeyBlocked):
		return http.StatusUnauthorized
	case errors.Is(err, gateway.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, gateway.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, gateway.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, gateway.ErrBadRequest), errors.Is(err, gateway.ErrConfigInvalid):
		return http.StatusBadRequest
	case errors.Is(err, gateway.ErrRouteUnresolved), errors.Is(err, gateway.ErrUpstream):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// jsonCT is a pre-allocated header value slice, avoiding the []string{v}
// alloc that Header.Set creates on every call.
var jsonCT = []string{"application/json"}

func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Error("failed to encode response", "error", err)
		return
	}
	w.Header()["Content-Type"] = jsonCT
	w.WriteHeader(status)
	w.Write(data)
}
