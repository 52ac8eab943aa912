package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"runtime"
	"strconv"

	"busgate/internal/bridge"
	"busgate/internal/history"
	logx "busgate/pkg/logx"
)

// Default message ids for the structured routes.
const (
	defaultBroadcastMessageID = "API_BROADCAST"
	defaultUnicastMessageID   = "API_MESSAGE"
)

const maxBodyBytes = 1 << 20

// Handler returns the full route table. Exposed for tests.
func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.route)
	return mux
}

func (s *Service) route(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path

	switch r.Method {
	case http.MethodOptions:
		// CORS preflight.
		corsHeaders(w.Header())
		w.WriteHeader(http.StatusNoContent)

	case http.MethodGet:
		switch path {
		case "/", "/status":
			s.pageStatus(w)
		case "/api_docs", "/docs":
			s.page(w, "api_docs.html", nil)
		case "/broadcast":
			s.pageBroadcast(w)
		case "/admin":
			s.pageAdmin(w)
		case "/api/status":
			s.handleStatus(w)
		case "/bc":
			s.handleComm(w, r)
		case "/api/history":
			s.handleHistory(w, r)
		default:
			writeError(w, http.StatusNotFound, "Not Found")
		}

	case http.MethodPost:
		switch path {
		case "/api/broadcast":
			s.handleBroadcast(w, r)
		case "/api/message":
			s.handleMessage(w, r)
		default:
			writeError(w, http.StatusNotFound, "Not Found")
		}

	default:
		writeError(w, http.StatusNotFound, "Not Found")
	}
}

func (s *Service) handleStatus(w http.ResponseWriter) {
	snap := s.status.Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{
		"running":      snap.Running,
		"host":         snap.Host,
		"port":         snap.Port,
		"client_count": len(snap.Clients),
	})
}

// handleComm is the /bc shortcut route. It always performs a true broadcast,
// even for a named target; the bus's clients decide relevance. The reported
// client count is the number of identified clients at the moment of the call
// (best-effort; the asynchronous send may observe a different set).
func (s *Service) handleComm(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	env, spec, err := Resolve(q.Get(argTarget), q.Get(argPayload), q)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Missing required parameters: player and comm")
		return
	}

	s.log.Debug("api comm request",
		logx.String("target", q.Get(argTarget)),
		logx.Bool("broadcast", spec.Broadcast),
	)

	out := s.caller.Broadcast(env.MessageID, env.Args, s.cfg.BroadcastTimeout)
	targetLabel := spec.ClientID
	if spec.Broadcast {
		targetLabel = "broadcast"
	}
	s.record(r, history.Entry{
		Kind:       history.KindBroadcast,
		MessageID:  env.MessageID,
		Target:     targetLabel,
		ArgsJSON:   marshalArgs(env.Args),
		Outcome:    outcomeLabel(out),
		Recipients: out.Recipients,
	})
	if !s.requireDelivered(w, out, "Broadcast") {
		return
	}

	count := s.status.Snapshot().Identified

	resp := map[string]any{
		"status":       "success",
		"message_id":   env.MessageID,
		"args":         env.Args,
		"client_count": count,
		"target":       targetLabel,
	}
	if spec.Broadcast {
		resp["message"] = "Message broadcasted to all clients"
	} else {
		resp["message"] = fmt.Sprintf("Message sent to player '%s' (broadcasted to %d clients)", spec.ClientID, count)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Service) handleBroadcast(w http.ResponseWriter, r *http.Request) {
	var body struct {
		MessageID string            `json:"message_id"`
		Args      map[string]string `json:"args"`
	}
	if err := decodeBody(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "Bad Request: "+err.Error())
		return
	}
	if body.MessageID == "" {
		body.MessageID = defaultBroadcastMessageID
	}

	out := s.caller.Broadcast(body.MessageID, body.Args, s.cfg.BroadcastTimeout)
	s.record(r, history.Entry{
		Kind:       history.KindBroadcast,
		MessageID:  body.MessageID,
		Target:     "broadcast",
		ArgsJSON:   marshalArgs(body.Args),
		Outcome:    outcomeLabel(out),
		Recipients: out.Recipients,
	})
	if !s.requireDelivered(w, out, "Broadcast") {
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "sent",
		"message_id": body.MessageID,
	})
}

func (s *Service) handleMessage(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ClientID  string            `json:"client_id"`
		MessageID string            `json:"message_id"`
		Args      map[string]string `json:"args"`
	}
	if err := decodeBody(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "Bad Request: "+err.Error())
		return
	}
	if body.ClientID == "" {
		writeError(w, http.StatusBadRequest, "client_id required")
		return
	}
	if body.MessageID == "" {
		body.MessageID = defaultUnicastMessageID
	}

	out := s.caller.Send(body.ClientID, body.MessageID, body.Args, s.cfg.MessageTimeout)
	s.record(r, history.Entry{
		Kind:       history.KindUnicast,
		MessageID:  body.MessageID,
		Target:     body.ClientID,
		ArgsJSON:   marshalArgs(body.Args),
		Outcome:    outcomeLabel(out),
		Recipients: out.Recipients,
	})
	if !s.requireDelivered(w, out, "Send") {
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "sent",
		"client_id": body.ClientID,
	})
}

func (s *Service) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeJSON(w, http.StatusOK, map[string]any{"history": []history.Entry{}, "count": 0})
		return
	}
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	entries, err := s.store.Recent(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "History query failed: "+err.Error())
		return
	}
	if entries == nil {
		entries = []history.Entry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"history": entries, "count": len(entries)})
}

// ---- HTML pages ----

func (s *Service) page(w http.ResponseWriter, name string, data map[string]any) {
	if s.pages == nil {
		writeError(w, http.StatusInternalServerError, "Template rendering not available")
		return
	}
	html, err := s.pages.Render(name, data)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Template rendering failed: "+err.Error())
		return
	}
	writeHTML(w, html)
}

func (s *Service) pageStatus(w http.ResponseWriter) {
	snap := s.status.Snapshot()
	s.page(w, "status.html", map[string]any{
		"server_running": snap.Running,
		"server_host":    snap.Host,
		"server_port":    snap.Port,
		"client_count":   len(snap.Clients),
		"clients":        snap.Clients,
	})
}

func (s *Service) pageBroadcast(w http.ResponseWriter) {
	snap := s.status.Snapshot()
	s.page(w, "broadcast.html", map[string]any{
		"client_count": len(snap.Clients),
	})
}

func (s *Service) pageAdmin(w http.ResponseWriter) {
	snap := s.status.Snapshot()
	s.page(w, "admin.html", map[string]any{
		"server_host":      snap.Host,
		"server_port":      snap.Port,
		"api_addr":         s.Addr(),
		"client_count":     len(snap.Clients),
		"identified_count": snap.Identified,
		"go_version":       runtime.Version(),
	})
}

// ---- helpers ----

// requireDelivered writes the error envelope for every non-delivered outcome.
// Returns true when the caller should continue with its success response.
func (s *Service) requireDelivered(w http.ResponseWriter, out bridge.Outcome, what string) bool {
	switch out.Kind {
	case bridge.KindDelivered:
		return true
	case bridge.KindNotFound:
		writeError(w, http.StatusNotFound, "Client not found")
	case bridge.KindTimedOut:
		writeError(w, http.StatusInternalServerError, what+" timeout")
	case bridge.KindFailed:
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("%s failed: %v", what, out.Err))
	case bridge.KindUnavailable:
		writeError(w, http.StatusServiceUnavailable, "Bus loop unavailable")
	default:
		writeError(w, http.StatusInternalServerError, what+" failed")
	}
	return false
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return err
	}
	// reject trailing tokens
	if dec.More() {
		return errors.New("trailing data")
	}
	return nil
}

// record appends to message history, best-effort.
func (s *Service) record(r *http.Request, e history.Entry) {
	if s.store == nil {
		return
	}
	if err := s.store.Append(r.Context(), e); err != nil && !errors.Is(err, history.ErrDisabled) {
		s.log.Warn("history append failed", logx.Err(err))
	}
}

func marshalArgs(args map[string]string) string {
	if len(args) == 0 {
		return ""
	}
	b, err := json.Marshal(args)
	if err != nil {
		return ""
	}
	return string(b)
}

func outcomeLabel(out bridge.Outcome) string {
	switch out.Kind {
	case bridge.KindDelivered:
		return "sent"
	case bridge.KindNotFound:
		return "not_found"
	case bridge.KindTimedOut:
		return "timeout"
	case bridge.KindUnavailable:
		return "unavailable"
	default:
		return "failed"
	}
}
