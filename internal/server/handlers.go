package server

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/seekapa/copilot/internal/audit"
	"github.com/seekapa/copilot/internal/llm"
	"github.com/seekapa/copilot/internal/powerbi"
	"github.com/seekapa/copilot/internal/workflow"
)

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"service": "seekapa-copilot",
		"version": Version,
		"status":  "operational",
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	components := map[string]string{}
	status := http.StatusOK

	if s.rdb != nil {
		if err := s.rdb.Ping(r.Context()).Err(); err != nil {
			components["redis"] = "unhealthy"
			status = http.StatusServiceUnavailable
		} else {
			components["redis"] = "healthy"
		}
	}
	if s.fabric != nil {
		components["fabric"] = fmt.Sprintf("healthy (%d connections)", s.fabric.ActiveCount())
	}

	body := map[string]any{
		"status":  map[bool]string{true: "healthy", false: "degraded"}[status == http.StatusOK],
		"version": Version,
	}
	// Component detail only for authenticated callers.
	if _, err := s.authenticate(r); err == nil {
		body["uptime_s"] = int(time.Since(s.started).Seconds())
		body["components"] = components
	}
	writeJSON(w, status, body)
}

// chatRequest is the HTTP chat body.
type chatRequest struct {
	Content        string         `json:"content"`
	Context        map[string]any `json:"context,omitempty"`
	ConversationID string         `json:"conversation_id,omitempty"`
	History        []llm.Message  `json:"history,omitempty"`
	Stream         bool           `json:"stream,omitempty"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := decodeBody(r, &req); err != nil {
		bodyError(w, r, err)
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		writeError(w, r, http.StatusUnprocessableEntity, "content is required")
		return
	}

	claims := ClaimsFrom(r.Context())
	s.audit.Log(r.Context(), audit.Entry{
		Type: audit.EventQueryExecuted, Action: "chat",
		Actor:   &audit.Actor{UserID: claims.Subject, Username: claims.Username, SessionID: claims.SessionID},
		Details: map[string]any{"conversation_id": req.ConversationID},
	})

	llmReq := llm.Request{
		Query:   req.Content,
		History: req.History,
		Context: req.Context,
	}

	if req.Stream {
		s.streamChat(w, r, llmReq)
		return
	}

	res := s.llm.Chat(r.Context(), llmReq)
	writeJSON(w, http.StatusOK, map[string]any{
		"response":        res.Reply,
		"model":           string(res.Variant),
		"cached":          res.Cached,
		"conversation_id": req.ConversationID,
		"timestamp":       time.Now().UTC().Format(time.RFC3339),
	})
}

// streamChat delivers the reply as server-sent events.
func (s *Server) streamChat(w http.ResponseWriter, r *http.Request, req llm.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusNotImplemented, "streaming unsupported")
		return
	}

	chunks, variant := s.llm.ChatStream(r.Context(), req)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Model-Variant", string(variant))
	w.WriteHeader(http.StatusOK)

	enc := json.NewEncoder(w)
	for chunk := range chunks {
		fmt.Fprint(w, "data: ")
		enc.Encode(map[string]string{"delta": chunk})
		fmt.Fprint(w, "\n")
		flusher.Flush()
	}
	fmt.Fprint(w, "data: [DONE]\n\n")
	flusher.Flush()
}

type queryRequest struct {
	Query  string `json:"query"`
	Format string `json:"format,omitempty"` // json (default) or csv
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if err := decodeBody(r, &req); err != nil {
		bodyError(w, r, err)
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		writeError(w, r, http.StatusUnprocessableEntity, "query is required")
		return
	}

	claims := ClaimsFrom(r.Context())
	s.audit.Log(r.Context(), audit.Entry{
		Type: audit.EventQueryExecuted, Action: "dax_query",
		Actor:   &audit.Actor{UserID: claims.Subject, Username: claims.Username},
		Subject: &audit.Subject{ResourceType: "dataset", ResourceID: s.cfg.PowerBI.DatasetID},
	})

	res, err := s.powerbi.ExecuteQuery(r.Context(), req.Query)
	if err != nil {
		writeError(w, r, http.StatusBadGateway, "query execution failed")
		return
	}

	if req.Format == "csv" {
		csv, err := res.FormatCSV()
		if err != nil {
			writeError(w, r, http.StatusInternalServerError, "csv formatting failed")
			return
		}
		w.Header().Set("Content-Type", "text/csv")
		io.WriteString(w, csv)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type naturalQueryRequest struct {
	Question string `json:"question"`
}

// handleNaturalQuery translates a question to DAX via templates when
// possible, else asks the model to explain using dataset context.
func (s *Server) handleNaturalQuery(w http.ResponseWriter, r *http.Request) {
	var req naturalQueryRequest
	if err := decodeBody(r, &req); err != nil {
		bodyError(w, r, err)
		return
	}
	if strings.TrimSpace(req.Question) == "" {
		writeError(w, r, http.StatusUnprocessableEntity, "question is required")
		return
	}

	if dax, ok := powerbi.TranslateQuery(req.Question); ok {
		res, err := s.powerbi.ExecuteQuery(r.Context(), dax)
		if err == nil {
			writeJSON(w, http.StatusOK, map[string]any{
				"mode":   "dax",
				"dax":    dax,
				"result": res,
			})
			return
		}
		s.logger.Warn("translated query failed, falling back to model", "error", err)
	}

	out := s.llm.Chat(r.Context(), llm.Request{Query: req.Question})
	writeJSON(w, http.StatusOK, map[string]any{
		"mode":     "model",
		"response": out.Reply,
		"model":    string(out.Variant),
	})
}

func (s *Server) handleDatasetInfo(w http.ResponseWriter, r *http.Request) {
	info, err := s.powerbi.Info(r.Context())
	if err != nil {
		writeError(w, r, http.StatusBadGateway, "dataset metadata unavailable")
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFrom(r.Context())
	if err := s.powerbi.TriggerRefresh(r.Context()); err != nil {
		writeError(w, r, http.StatusBadGateway, "refresh request failed")
		return
	}
	s.audit.Log(r.Context(), audit.Entry{
		Type: audit.EventDataWrite, Action: "dataset_refresh",
		Actor:   &audit.Actor{UserID: claims.Subject, Username: claims.Username},
		Subject: &audit.Subject{ResourceType: "dataset", ResourceID: s.cfg.PowerBI.DatasetID},
	})
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "refresh_requested"})
}

func (s *Server) handleRefreshHistory(w http.ResponseWriter, r *http.Request) {
	top := 10
	if v := r.URL.Query().Get("top"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 100 {
			top = n
		}
	}
	entries, err := s.powerbi.RefreshHistory(r.Context(), top)
	if err != nil {
		writeError(w, r, http.StatusBadGateway, "refresh history unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"history": entries})
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeBody(r, &req); err != nil {
		bodyError(w, r, err)
		return
	}

	res, err := s.auth.Login(r.Context(), req.Username, req.Password, clientIP(r), r.UserAgent())
	if err != nil {
		status, msg := mapError(err)
		writeError(w, r, status, msg)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"access_token":  res.Tokens.AccessToken,
		"refresh_token": res.Tokens.RefreshToken,
		"token_type":    res.Tokens.TokenType,
		"expires_in":    res.Tokens.ExpiresIn,
		"user": map[string]any{
			"id":       res.User.ID,
			"username": res.User.Username,
			"roles":    res.User.Roles,
		},
	})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok || token == "" {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}
	if err := s.auth.Logout(r.Context(), token); err != nil {
		status, msg := mapError(err)
		writeError(w, r, status, msg)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "logged_out"})
}

type refreshTokenRequest struct {
	RefreshToken string `json:"refresh_token"`
}

func (s *Server) handleTokenRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshTokenRequest
	if err := decodeBody(r, &req); err != nil {
		bodyError(w, r, err)
		return
	}
	if req.RefreshToken == "" {
		writeError(w, r, http.StatusBadRequest, "refresh_token is required")
		return
	}
	pair, err := s.auth.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		status, msg := mapError(err)
		writeError(w, r, status, msg)
		return
	}
	writeJSON(w, http.StatusOK, pair)
}

type registerRequest struct {
	Username string   `json:"username"`
	Email    string   `json:"email,omitempty"`
	Password string   `json:"password"`
	Roles    []string `json:"roles,omitempty"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeBody(r, &req); err != nil {
		bodyError(w, r, err)
		return
	}
	u, err := s.auth.Register(r.Context(), req.Username, req.Email, req.Password, req.Roles)
	if err != nil {
		status, msg := mapError(err)
		writeError(w, r, status, msg)
		return
	}
	writeJSON(w, http.StatusCreated, u)
}

func (s *Server) handleUserDataExport(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFrom(r.Context())
	data, err := s.auth.ExportUserData(r.Context(), claims.Subject)
	if err != nil {
		writeError(w, r, http.StatusNotFound, "no data for user")
		return
	}
	writeJSON(w, http.StatusOK, data)
}

func (s *Server) handleUserDataErase(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFrom(r.Context())
	if err := s.auth.DeleteUserData(r.Context(), claims.Subject); err != nil {
		writeError(w, r, http.StatusNotFound, "no data for user")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "erased"})
}

type consentRequest struct {
	Purpose string `json:"purpose"`
	Granted bool   `json:"granted"`
}

func (s *Server) handleConsent(w http.ResponseWriter, r *http.Request) {
	var req consentRequest
	if err := decodeBody(r, &req); err != nil {
		bodyError(w, r, err)
		return
	}
	if req.Purpose == "" {
		writeError(w, r, http.StatusBadRequest, "purpose is required")
		return
	}
	claims := ClaimsFrom(r.Context())
	if err := s.auth.SetConsent(r.Context(), claims.Subject, req.Purpose, req.Granted); err != nil {
		writeError(w, r, http.StatusInternalServerError, "consent update failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"purpose": req.Purpose, "granted": req.Granted})
}

func (s *Server) handleAuditEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := audit.Filter{
		Type:     audit.EventType(q.Get("type")),
		UserID:   q.Get("user_id"),
		Severity: audit.Severity(q.Get("severity")),
	}
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			f.Limit = n
		}
	}
	if v := q.Get("start"); v != "" {
		if ts, err := time.Parse(time.RFC3339, v); err == nil {
			f.Start = ts
		}
	}
	if v := q.Get("end"); v != "" {
		if ts, err := time.Parse(time.RFC3339, v); err == nil {
			f.End = ts
		}
	}

	events, err := s.audit.Query(r.Context(), f)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "audit query failed")
		return
	}

	claims := ClaimsFrom(r.Context())
	s.audit.Log(r.Context(), audit.Entry{
		Type: audit.EventAuditAccessed, Action: "audit_query",
		Actor: &audit.Actor{UserID: claims.Subject, Username: claims.Username},
	})
	writeJSON(w, http.StatusOK, map[string]any{"events": events, "count": len(events)})
}

func (s *Server) handleComplianceReport(w http.ResponseWriter, r *http.Request) {
	standard := r.PathValue("standard")
	end := time.Now().UTC()
	start := end.AddDate(0, 0, -90)
	if v := r.URL.Query().Get("days"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 3650 {
			start = end.AddDate(0, 0, -n)
		}
	}

	report, err := s.audit.ComplianceReport(r.Context(), standard, start, end)
	if err != nil {
		writeError(w, r, http.StatusNotFound, "unknown compliance standard")
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleLLMReport(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.llm.Report())
}

func (s *Server) handleLLMValidate(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.llm.ValidateAll(r.Context()))
}

func (s *Server) handleWorkflowList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"workflows": s.workflow.Definitions()})
}

type workflowCreateRequest struct {
	Name    string         `json:"name"`
	Kind    string         `json:"type"`
	Trigger string         `json:"trigger"`
	Config  map[string]any `json:"config,omitempty"`
}

func (s *Server) handleWorkflowCreate(w http.ResponseWriter, r *http.Request) {
	var req workflowCreateRequest
	if err := decodeBody(r, &req); err != nil {
		bodyError(w, r, err)
		return
	}
	if req.Name == "" {
		writeError(w, r, http.StatusBadRequest, "name is required")
		return
	}
	def, err := s.workflow.CreateDefinition(req.Name, workflow.Kind(req.Kind), workflow.Trigger(req.Trigger), req.Config)
	if err != nil {
		writeError(w, r, http.StatusUnprocessableEntity, "invalid workflow definition")
		return
	}

	claims := ClaimsFrom(r.Context())
	s.audit.Log(r.Context(), audit.Entry{
		Type: audit.EventConfigChanged, Action: "workflow_created",
		Actor:   &audit.Actor{UserID: claims.Subject, Username: claims.Username},
		Subject: &audit.Subject{ResourceType: "workflow", ResourceID: def.ID},
	})
	writeJSON(w, http.StatusCreated, def)
}

type workflowExecuteRequest struct {
	Payload map[string]any `json:"payload,omitempty"`
}

func (s *Server) handleWorkflowExecute(w http.ResponseWriter, r *http.Request) {
	def, ok := s.workflow.DefinitionByName(r.PathValue("name"))
	if !ok {
		writeError(w, r, http.StatusNotFound, "workflow not found")
		return
	}

	var req workflowExecuteRequest
	if r.ContentLength > 0 {
		if err := decodeBody(r, &req); err != nil {
			bodyError(w, r, err)
			return
		}
	}

	exec, err := s.workflow.Execute(r.Context(), def.ID, req.Payload)
	if err != nil {
		status, msg := mapError(err)
		writeError(w, r, status, msg)
		return
	}
	writeJSON(w, http.StatusOK, exec)
}

func (s *Server) setWorkflowEnabled(w http.ResponseWriter, r *http.Request, enabled bool) {
	def, ok := s.workflow.DefinitionByName(r.PathValue("name"))
	if !ok {
		writeError(w, r, http.StatusNotFound, "workflow not found")
		return
	}
	if err := s.workflow.SetEnabled(def.ID, enabled); err != nil {
		status, msg := mapError(err)
		writeError(w, r, status, msg)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"workflow": def.Name, "enabled": enabled})
}

func (s *Server) handleWorkflowEnable(w http.ResponseWriter, r *http.Request) {
	s.setWorkflowEnabled(w, r, true)
}

func (s *Server) handleWorkflowDisable(w http.ResponseWriter, r *http.Request) {
	s.setWorkflowEnabled(w, r, false)
}

func (s *Server) handleWorkflowExecutions(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}
	status := workflow.Status(r.URL.Query().Get("status"))
	writeJSON(w, http.StatusOK, map[string]any{
		"executions": s.workflow.History(limit, status),
	})
}

func (s *Server) handleWorkflowStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.workflow.Stats())
}

type workflowEventRequest struct {
	Key     string         `json:"key"`
	Payload map[string]any `json:"payload,omitempty"`
}

func (s *Server) handleWorkflowEvent(w http.ResponseWriter, r *http.Request) {
	var req workflowEventRequest
	if err := decodeBody(r, &req); err != nil {
		bodyError(w, r, err)
		return
	}
	if req.Key == "" {
		writeError(w, r, http.StatusBadRequest, "key is required")
		return
	}
	started := s.workflow.TriggerEvent(r.Context(), req.Key, req.Payload)
	writeJSON(w, http.StatusOK, map[string]any{"triggered": len(started), "executions": started})
}

// handleWorkflowCallback receives signed completion callbacks from the
// external workflow service. It is unauthenticated; the HMAC signature is
// the credential.
func (s *Server) handleWorkflowCallback(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		bodyError(w, r, err)
		return
	}

	err = s.workflow.HandleCallback(body,
		r.Header.Get(workflow.HeaderSignature),
		r.Header.Get(workflow.HeaderTimestamp))
	if err != nil {
		status, msg := mapError(err)
		writeError(w, r, status, msg)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "accepted"})
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
