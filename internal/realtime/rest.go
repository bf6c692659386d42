package realtime

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"switchboard/internal/permission"
	"switchboard/internal/protocol"
	"switchboard/internal/registry"
	"switchboard/internal/router"
	"switchboard/internal/tracker"
)

// Handler returns the HTTP handler with all routes configured.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(corsMiddleware)

	r.Get("/ws", s.handleWebSocket)

	r.Route("/sessions", func(r chi.Router) {
		r.Post("/", s.handleCreateSession)
		r.Get("/", s.handleListSessions)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.handleGetSession)
			r.Patch("/status", s.handleUpdateStatus)
			r.Post("/input", s.handleSendInput)
			r.Post("/interrupt", s.handleInterrupt)
			r.Post("/permission", s.handlePermissionResponse)
			r.Post("/output", s.handleOutputLine)
			r.Get("/queue", s.handleGetQueue)
			r.Delete("/queue", s.handleClearQueue)
		})
	})

	r.Route("/permissions/config", func(r chi.Router) {
		r.Get("/", s.handleGetPermissionConfig)
		r.Patch("/", s.handleUpdatePermissionConfig)
	})

	r.Route("/beads", func(r chi.Router) {
		r.Post("/", s.handleCreateBead)
		r.Get("/", s.handleListBeads)
		r.Get("/{id}", s.handleShowBead)
		r.Patch("/{id}", s.handleUpdateBead)
		r.Post("/{id}/close", s.handleCloseBead)
	})

	if s.staticDir != "" {
		r.Handle("/*", http.FileServer(http.Dir(s.staticDir)))
	}

	return r
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"error": message, "code": code})
}

// routerErrorCode maps router failures onto protocol error codes.
func routerErrorCode(err error) string {
	switch {
	case errors.Is(err, router.ErrSessionNotFound):
		return protocol.ErrSessionNotFound
	case errors.Is(err, router.ErrSessionOffline):
		return protocol.ErrSessionOffline
	case errors.Is(err, router.ErrDeliveryFailed):
		return protocol.ErrDeliveryFailed
	}
	return protocol.ErrInvalidMessage
}

func statusErrorCode(err error) string {
	switch {
	case errors.Is(err, registry.ErrSessionNotFound):
		return protocol.ErrSessionNotFound
	case errors.Is(err, registry.ErrInvalidStatus):
		return protocol.ErrInvalidStatus
	}
	return protocol.ErrInvalidMessage
}

func routerErrorStatus(err error) int {
	switch {
	case errors.Is(err, router.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, router.ErrSessionOffline):
		return http.StatusConflict
	case errors.Is(err, router.ErrDeliveryFailed):
		return http.StatusBadGateway
	}
	return http.StatusBadRequest
}

// --- session handlers ---

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var spec registry.Spec
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		writeError(w, http.StatusBadRequest, protocol.ErrInvalidMessage, "invalid request body")
		return
	}
	if spec.Pane == "" {
		writeError(w, http.StatusBadRequest, protocol.ErrInvalidMessage, "pane is required")
		return
	}

	sess, err := s.registry.Create(spec)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, registry.ErrSessionExists) {
			status = http.StatusConflict
		}
		writeError(w, status, protocol.ErrInvalidMessage, err.Error())
		return
	}

	msg, _ := protocol.NewMessage(protocol.TypeSessionUpdate, sessionPayload(sess))
	s.broadcast(msg)

	writeJSON(w, http.StatusCreated, sess)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.registry.List())
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.registry.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusNotFound, protocol.ErrSessionNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleUpdateStatus(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, protocol.ErrInvalidMessage, "invalid request body")
		return
	}

	err := s.updateStatus(chi.URLParam(r, "id"), registry.Status(req.Status))
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, registry.ErrSessionNotFound) {
			status = http.StatusNotFound
		}
		writeError(w, status, statusErrorCode(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

func (s *Server) handleSendInput(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, protocol.ErrInvalidMessage, "invalid request body")
		return
	}
	if req.Text == "" {
		writeError(w, http.StatusBadRequest, protocol.ErrInvalidMessage, "text is required")
		return
	}

	id := chi.URLParam(r, "id")
	if err := s.router.SendInput(id, req.Text); err != nil {
		writeError(w, routerErrorStatus(err), routerErrorCode(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "accepted",
		"queued": s.router.QueueLength(id),
	})
}

func (s *Server) handleInterrupt(w http.ResponseWriter, r *http.Request) {
	if err := s.router.SendInterrupt(chi.URLParam(r, "id")); err != nil {
		writeError(w, routerErrorStatus(err), routerErrorCode(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "interrupted"})
}

func (s *Server) handlePermissionResponse(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Approved bool `json:"approved"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, protocol.ErrInvalidMessage, "invalid request body")
		return
	}

	if err := s.router.SendPermissionResponse(chi.URLParam(r, "id"), req.Approved); err != nil {
		writeError(w, routerErrorStatus(err), routerErrorCode(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "responded"})
}

func (s *Server) handleOutputLine(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Line string `json:"line"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, protocol.ErrInvalidMessage, "invalid request body")
		return
	}

	evts, handled := s.perms.ProcessOutputLine(chi.URLParam(r, "id"), req.Line)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"events":            evts,
		"permissionHandled": handled,
	})
}

func (s *Server) handleGetQueue(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"sessionId": id,
		"length":    s.router.QueueLength(id),
		"entries":   s.router.Queue(id),
	})
}

func (s *Server) handleClearQueue(w http.ResponseWriter, r *http.Request) {
	s.router.ClearQueue(chi.URLParam(r, "id"))
	writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

// --- permission config handlers ---

func (s *Server) handleGetPermissionConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.perms.Snapshot())
}

func (s *Server) handleUpdatePermissionConfig(w http.ResponseWriter, r *http.Request) {
	var u permission.Update
	if err := json.NewDecoder(r.Body).Decode(&u); err != nil {
		writeError(w, http.StatusBadRequest, protocol.ErrInvalidMessage, "invalid request body")
		return
	}

	if err := s.perms.UpdateConfig(u); err != nil {
		writeError(w, http.StatusBadRequest, protocol.ErrInvalidMessage, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.perms.Snapshot())
}

// --- bead handlers ---

// writeTrackerResult maps a gateway result onto an HTTP response.
func writeTrackerResult(w http.ResponseWriter, res tracker.Result) {
	if res.Success {
		writeJSON(w, http.StatusOK, res)
		return
	}

	status := http.StatusBadGateway
	if res.Error != nil {
		switch res.Error.Code {
		case tracker.CodeInvalidBeadID, tracker.CodeInvalidRequest, tracker.CodeInvalidStatus, tracker.CodeRequestCancelled:
			status = http.StatusBadRequest
		case tracker.CodeBeadNotFound:
			status = http.StatusNotFound
		case tracker.CodeEpicCloseBlocked:
			status = http.StatusConflict
		case tracker.CodeGatewayBusy:
			status = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, status, res)
}

func (s *Server) handleCreateBead(w http.ResponseWriter, r *http.Request) {
	var req tracker.CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, protocol.ErrInvalidMessage, "invalid request body")
		return
	}
	writeTrackerResult(w, s.gateway.CreateBead(r.Context(), req))
}

func (s *Server) handleListBeads(w http.ResponseWriter, r *http.Request) {
	writeTrackerResult(w, s.gateway.ListBeads(r.Context()))
}

func (s *Server) handleShowBead(w http.ResponseWriter, r *http.Request) {
	writeTrackerResult(w, s.gateway.ShowBead(r.Context(), chi.URLParam(r, "id")))
}

func (s *Server) handleUpdateBead(w http.ResponseWriter, r *http.Request) {
	var fields map[string]string
	if err := json.NewDecoder(r.Body).Decode(&fields); err != nil {
		writeError(w, http.StatusBadRequest, protocol.ErrInvalidMessage, "invalid request body")
		return
	}
	writeTrackerResult(w, s.gateway.UpdateBead(r.Context(), chi.URLParam(r, "id"), fields))
}

func (s *Server) handleCloseBead(w http.ResponseWriter, r *http.Request) {
	writeTrackerResult(w, s.gateway.CloseBead(r.Context(), chi.URLParam(r, "id")))
}
