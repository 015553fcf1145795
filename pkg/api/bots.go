package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/wafleet/wafleet/pkg/dispatch"
	"github.com/wafleet/wafleet/pkg/manager"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"uptime":    formatDuration(time.Since(s.startTime)),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleStatusAll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "GET required"})
		return
	}
	writeJSON(w, http.StatusOK, s.fleet.StatusAll())
}

func (s *Server) handleTenants(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "GET required"})
		return
	}
	writeJSON(w, http.StatusOK, s.fleet.Tenants())
}

// handleTenantOp routes /bots/{id}/{action}.
func (s *Server) handleTenantOp(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/bots/")
	parts := strings.SplitN(strings.Trim(rest, "/"), "/", 2)
	if len(parts) != 2 || parts[0] == "" {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
		return
	}
	tenantID, action := parts[0], parts[1]

	switch action {
	case "start":
		s.handleStart(w, r, tenantID)
	case "stop":
		s.handleStop(w, r, tenantID)
	case "status":
		s.handleStatus(w, r, tenantID)
	case "send":
		s.handleSend(w, r, tenantID)
	case "history":
		s.handleHistory(w, r, tenantID)
	default:
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown action: " + action})
	}
}

// Start and stop accept GET as well as POST: the existing deployment's
// operators trigger them straight from a browser.
func (s *Server) handleStart(w http.ResponseWriter, r *http.Request, tenantID string) {
	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "GET or POST required"})
		return
	}

	outcome := s.fleet.StartOne(r.Context(), tenantID)
	status := http.StatusOK
	switch outcome {
	case manager.StartNotFound:
		status = http.StatusNotFound
	case manager.StartError:
		status = http.StatusBadGateway
	}
	writeJSON(w, status, map[string]string{
		"empresaId": tenantID,
		"estado":    string(outcome),
	})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request, tenantID string) {
	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "GET or POST required"})
		return
	}

	if _, known := s.fleet.Status(tenantID); !known {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "empresa desconocida: " + tenantID})
		return
	}
	if !s.fleet.Stop(tenantID) {
		writeJSON(w, http.StatusConflict, map[string]string{
			"empresaId": tenantID,
			"estado":    "notRunning",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"empresaId": tenantID,
		"estado":    "stopped",
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request, tenantID string) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "GET required"})
		return
	}

	st, ok := s.fleet.Status(tenantID)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "empresa desconocida: " + tenantID})
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request, tenantID string) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "POST required"})
		return
	}

	var req struct {
		Telefono string `json:"telefono"`
		Mensaje  string `json:"mensaje"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if req.Telefono == "" || req.Mensaje == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "telefono y mensaje son obligatorios"})
		return
	}

	outcome, err := s.fleet.SendAs(r.Context(), tenantID, req.Telefono, req.Mensaje)
	s.writeSendOutcome(w, tenantID, outcome, err)
}

func (s *Server) handleExternalReply(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "POST required"})
		return
	}

	var req struct {
		EmpresaID string `json:"empresaId"`
		Telefono  string `json:"telefono"`
		Respuesta string `json:"respuesta"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if req.EmpresaID == "" || req.Telefono == "" || req.Respuesta == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "empresaId, telefono y respuesta son obligatorios"})
		return
	}

	outcome, err := s.fleet.ReceiveExternalReply(r.Context(), req.EmpresaID, req.Telefono, req.Respuesta)
	s.writeSendOutcome(w, req.EmpresaID, outcome, err)
}

func (s *Server) writeSendOutcome(w http.ResponseWriter, tenantID string, outcome manager.SendOutcome, err error) {
	status := http.StatusOK
	body := map[string]string{
		"empresaId": tenantID,
		"estado":    string(outcome),
	}
	switch outcome {
	case manager.SendNotRunning:
		status = http.StatusConflict
	case manager.SendError:
		status = http.StatusBadGateway
		if err != nil {
			body["error"] = err.Error()
		}
	}
	writeJSON(w, status, body)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request, tenantID string) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "GET required"})
		return
	}
	if s.history == nil {
		writeJSON(w, http.StatusOK, []interface{}{})
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, _ = strconv.Atoi(raw)
	}

	entries, err := s.history.Recent(r.Context(), tenantID, limit)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if entries == nil {
		entries = []dispatch.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}
