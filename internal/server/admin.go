package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	gateway "github.com/chenpu17/cc-gw-sub003/internal"
	"github.com/chenpu17/cc-gw-sub003/internal/config"
	"github.com/chenpu17/cc-gw-sub003/internal/storage"
	"github.com/chenpu17/cc-gw-sub003/internal/webauth"
)

// --- auth surface: /auth/login, /auth/logout, /auth/session ---

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (s *server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !decodeBody(w, r, &req) {
		return
	}
	admin := s.deps.Config.Get().AdminAuth
	if !admin.Enabled || req.Username != admin.Username || !webauth.VerifyPassword(admin.PasswordHash, req.Password) {
		writeJSON(w, http.StatusUnauthorized, errorResponse("invalid username or password"))
		return
	}
	token, err := s.deps.Sessions.Create(req.Username)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse("failed to create session"))
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
		Expires:  time.Now().Add(webauth.SessionTTL),
	})
	writeJSON(w, http.StatusOK, map[string]string{"username": req.Username})
}

func (s *server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if cookie, err := r.Cookie(sessionCookieName); err == nil {
		s.deps.Sessions.Revoke(cookie.Value)
	}
	http.SetCookie(w, &http.Cookie{Name: sessionCookieName, Value: "", Path: "/", MaxAge: -1})
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleSession(w http.ResponseWriter, r *http.Request) {
	cookie, err := r.Cookie(sessionCookieName)
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, errorResponse("unauthorized"))
		return
	}
	username, err := s.deps.Sessions.Verify(cookie.Value)
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, errorResponse("unauthorized"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"username": username})
}

// --- /api/config ---

func (s *server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	doc := s.deps.Config.Get()
	redacted := *doc
	redacted.AdminAuth.PasswordHash = ""
	writeJSON(w, http.StatusOK, redacted)
}

func (s *server) handlePutConfig(w http.ResponseWriter, r *http.Request) {
	var doc config.Document
	if !decodeBody(w, r, &doc) {
		return
	}
	if err := s.deps.Config.Update(&doc); err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, errorResponseCode("config_invalid", err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// --- /api/status ---

func (s *server) handleStatus(w http.ResponseWriter, r *http.Request) {
	type providerStatus struct {
		ID    string `json:"id"`
		State string `json:"state"`
	}
	var providers []providerStatus
	if s.deps.Providers != nil {
		for _, id := range s.deps.Providers.List() {
			state := "closed"
			if s.deps.Breakers != nil {
				if b := s.deps.Breakers.Get(id); b != nil {
					state = b.State().String()
				}
			}
			providers = append(providers, providerStatus{ID: id, State: state})
		}
	}
	body := map[string]any{
		"status":        "ok",
		"providerCount": len(providers),
		"providers":     providers,
	}
	if s.deps.ActiveRequests != nil {
		body["activeRequests"] = s.deps.ActiveRequests()
	}
	writeJSON(w, http.StatusOK, body)
}

// --- /api/stats/* ---

func (s *server) handleStatsOverview(w http.ResponseWriter, r *http.Request) {
	if s.deps.Store == nil {
		writeJSON(w, http.StatusOK, map[string]any{})
		return
	}
	since := time.Now().AddDate(0, 0, -30)
	metrics, err := s.deps.Store.QueryDailyMetrics(r.Context(), since, time.Now())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse("failed to load stats"))
		return
	}
	var requests, input, output, cached int64
	for _, m := range metrics {
		requests += m.RequestCount
		input += m.InputTokens
		output += m.OutputTokens
		cached += m.CachedTokens
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"requestCount": requests,
		"inputTokens":  input,
		"outputTokens": output,
		"cachedTokens": cached,
	})
}

func (s *server) handleStatsDaily(w http.ResponseWriter, r *http.Request) {
	if s.deps.Store == nil {
		writeJSON(w, http.StatusOK, []any{})
		return
	}
	since := parseTimeParam(r, "since", time.Now().AddDate(0, 0, -30))
	until := parseTimeParam(r, "until", time.Now())
	metrics, err := s.deps.Store.QueryDailyMetrics(r.Context(), since, until)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse("failed to load stats"))
		return
	}
	writeJSON(w, http.StatusOK, metrics)
}

func (s *server) handleStatsModel(w http.ResponseWriter, r *http.Request) {
	if s.deps.Store == nil {
		writeJSON(w, http.StatusOK, []any{})
		return
	}
	filter := storage.LogFilter{
		Model: r.URL.Query().Get("model"),
		Limit: 1000,
	}
	logs, err := s.deps.Store.QueryLogs(r.Context(), filter)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse("failed to load stats"))
		return
	}
	type modelStat struct {
		Model        string `json:"model"`
		RequestCount int    `json:"requestCount"`
		InputTokens  int    `json:"inputTokens"`
		OutputTokens int    `json:"outputTokens"`
	}
	agg := make(map[string]*modelStat)
	for _, l := range logs {
		m, ok := agg[l.UpstreamModel]
		if !ok {
			m = &modelStat{Model: l.UpstreamModel}
			agg[l.UpstreamModel] = m
		}
		m.RequestCount++
		m.InputTokens += l.InputTokens
		m.OutputTokens += l.OutputTokens
	}
	out := make([]*modelStat, 0, len(agg))
	for _, m := range agg {
		out = append(out, m)
	}
	writeJSON(w, http.StatusOK, out)
}

// --- /api/logs ---

func (s *server) handleListLogs(w http.ResponseWriter, r *http.Request) {
	if s.deps.Store == nil {
		writeJSON(w, http.StatusOK, []any{})
		return
	}
	q := r.URL.Query()
	filter := storage.LogFilter{
		ProviderID: q.Get("provider"),
		Model:      q.Get("model"),
		Endpoint:   q.Get("endpoint"),
		APIKeyID:   q.Get("apiKeyId"),
		Cursor:     q.Get("cursor"),
		Limit:      100,
	}
	if since := q.Get("since"); since != "" {
		if t, err := time.Parse(time.RFC3339, since); err == nil {
			filter.Since = &t
		}
	}
	if until := q.Get("until"); until != "" {
		if t, err := time.Parse(time.RFC3339, until); err == nil {
			filter.Until = &t
		}
	}
	if status := q.Get("status"); status != "" {
		if n, err := strconv.Atoi(status); err == nil {
			filter.Status = n
		}
	}
	if limit := q.Get("limit"); limit != "" {
		if n, err := strconv.Atoi(limit); err == nil && n > 0 {
			filter.Limit = n
		}
	}
	logs, err := s.deps.Store.QueryLogs(r.Context(), filter)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse("failed to query logs"))
		return
	}
	writeJSON(w, http.StatusOK, logs)
}

func (s *server) handleGetLog(w http.ResponseWriter, r *http.Request) {
	if s.deps.Store == nil {
		writeJSON(w, http.StatusNotFound, errorResponse("not found"))
		return
	}
	id := chi.URLParam(r, "id")
	log, payload, err := s.deps.Store.GetLog(r.Context(), id)
	if err != nil {
		writeJSON(w, http.StatusNotFound, errorResponse("log not found"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"log": log, "payload": payload})
}

func (s *server) handleLogsCleanup(w http.ResponseWriter, r *http.Request) {
	if s.deps.Store == nil {
		writeJSON(w, http.StatusOK, map[string]int64{"deleted": 0})
		return
	}
	retention := time.Duration(s.deps.Config.Get().LogRetentionDays) * 24 * time.Hour
	cutoff := time.Now().Add(-retention)
	n, err := s.deps.Store.DeleteLogsBefore(r.Context(), cutoff)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse("cleanup failed"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"deleted": n})
}

// --- /api/keys ---

func (s *server) handleListKeys(w http.ResponseWriter, r *http.Request) {
	keys, err := s.deps.Keys.List(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse("failed to list keys"))
		return
	}
	writeJSON(w, http.StatusOK, keys)
}

type createKeyRequest struct {
	Name             string   `json:"name"`
	Description      string   `json:"description"`
	AllowedEndpoints []string `json:"allowedEndpoints"`
}

func (s *server) handleCreateKey(w http.ResponseWriter, r *http.Request) {
	var req createKeyRequest
	if !decodeBody(w, r, &req) {
		return
	}
	actor := actorFromRequest(r)
	key, secret, err := s.deps.Keys.Create(r.Context(), req.Name, req.Description, req.AllowedEndpoints, actor)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse("failed to create key"))
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"key": key, "secret": secret})
}

func (s *server) handleDeleteKey(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	actor := actorFromRequest(r)
	if err := s.deps.Keys.Revoke(r.Context(), id, actor); err != nil {
		writeJSON(w, errorStatus(err), errorResponse(err.Error()))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// actorFromRequest identifies who is performing an admin mutation for the
// audit log: the gateway key's id when one is on the request context, else
// the fixed string "admin". The admin session's username is not looked up.
func actorFromRequest(r *http.Request) string {
	if key := gateway.APIKeyFromContext(r.Context()); key != nil {
		return key.ID
	}
	return "admin"
}

// --- /api/events ---

func (s *server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	if s.deps.Store == nil {
		writeJSON(w, http.StatusOK, []any{})
		return
	}
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	events, err := s.deps.Store.ListEvents(r.Context(), limit)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse("failed to list events"))
		return
	}
	writeJSON(w, http.StatusOK, events)
}

// --- /api/db ---

func (s *server) handleDBInfo(w http.ResponseWriter, r *http.Request) {
	if s.deps.Store == nil {
		writeJSON(w, http.StatusOK, map[string]int64{"sizeBytes": 0})
		return
	}
	size, err := s.deps.Store.DBSize(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse("failed to read db size"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"sizeBytes": size})
}

func (s *server) handleDBCompact(w http.ResponseWriter, r *http.Request) {
	if s.deps.Maintenance == nil {
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
		return
	}
	if err := s.deps.Maintenance.Compact(r.Context()); err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse("compact failed"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// --- shared helpers ---

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse("invalid request body"))
		return false
	}
	return true
}

func parseTimeParam(r *http.Request, name string, fallback time.Time) time.Time {
	v := r.URL.Query().Get(name)
	if v == "" {
		return fallback
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return fallback
	}
	return t
}
