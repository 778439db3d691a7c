package api

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/radio-control/xapi/internal/arbiter"
	"github.com/radio-control/xapi/internal/audit"
	"github.com/radio-control/xapi/internal/msglog"
	"github.com/radio-control/xapi/internal/radio"
	"github.com/radio-control/xapi/internal/relay"
	"github.com/radio-control/xapi/internal/session"
)

// RegisterRoutes registers the /api/v1 endpoints.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	const v1 = "/api/v1"

	mux.HandleFunc("GET "+v1+"/health", s.handleHealth)
	mux.HandleFunc("GET "+v1+"/resources", s.handleResources)

	mux.HandleFunc("GET "+v1+"/session", s.handleSession)
	mux.HandleFunc("POST "+v1+"/session/connect", s.handleConnect)
	mux.HandleFunc("POST "+v1+"/session/disconnect", s.handleDisconnect)
	mux.HandleFunc("POST "+v1+"/session/bind", s.handleBind)
	mux.HandleFunc("POST "+v1+"/session/commands", s.handleCommand)
	mux.HandleFunc("GET "+v1+"/session/history", s.handleHistory)

	mux.HandleFunc("GET "+v1+"/messages", s.handleMessages)
	mux.HandleFunc("DELETE "+v1+"/messages", s.handleClearMessages)

	mux.HandleFunc("GET "+v1+"/decisions", s.handleDecisions)
	mux.HandleFunc("POST "+v1+"/decisions/{id}", s.handleAnswer)

	mux.HandleFunc("GET "+v1+"/relay", s.handleRelayStatus)
	mux.HandleFunc("POST "+v1+"/relay/login", s.handleRelayLogin)
	mux.HandleFunc("POST "+v1+"/relay/logout", s.handleRelayLogout)
	mux.HandleFunc("POST "+v1+"/relay/enabled", s.handleRelayEnabled)
	mux.HandleFunc("POST "+v1+"/relay/test", s.handleRelayTest)
	mux.HandleFunc("GET "+v1+"/relay/credentials", s.handleCredentialRequests)
	mux.HandleFunc("POST "+v1+"/relay/credentials", s.handleSupplyCredentials)

	mux.HandleFunc("GET "+v1+"/events", s.handleEvents)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	WriteSuccess(w, r, map[string]interface{}{
		"status":  "ok",
		"version": s.opts.Version,
		"uptime":  time.Since(s.startTime).Seconds(),
		"phase":   s.sessions.State().Phase,
	})
}

func (s *Server) handleResources(w http.ResponseWriter, r *http.Request) {
	type resourceView struct {
		radio.Resource
		ConnectionString string `json:"connectionString"`
		Label            string `json:"label"`
	}
	resources := s.sessions.Resources()
	out := make([]resourceView, 0, len(resources))
	for _, res := range resources {
		out = append(out, resourceView{Resource: res, ConnectionString: res.ConnectionString(), Label: session.PickerLabel(res)})
	}
	WriteSuccess(w, r, out)
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	WriteSuccess(w, r, s.sessions.State())
}

// handleConnect blocks until the attempt finishes, including any prompt
// answered through /decisions.
func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Target string `json:"target"`
		Mode   string `json:"mode"`
		BindTo string `json:"bindTo"`
	}
	if err := decodeStrict(r, &req); err != nil {
		WriteErr(w, r, err)
		return
	}
	mode := s.opts.DefaultMode
	if req.Mode != "" {
		m, err := arbiter.ParseMode(req.Mode)
		if err != nil {
			WriteErr(w, r, fmt.Errorf("%w: %v", ErrBadRequest, err))
			return
		}
		mode = m
	}

	err := s.sessions.Connect(r.Context(), session.ConnectRequest{
		Target: session.ParseTarget(req.Target),
		Mode:   mode,
		BindTo: strings.TrimSpace(req.BindTo),
	})
	if err != nil {
		WriteErr(w, r, err)
		return
	}
	WriteSuccess(w, r, s.sessions.State())
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	if err := decodeStrict(r, &req); err != nil {
		WriteErr(w, r, err)
		return
	}
	target := s.sessions.State().Target
	err := s.sessions.Disconnect(r.Context(), req.Reason)
	s.record(audit.ActionDisconnect, target, map[string]interface{}{"reason": req.Reason}, err)
	if err != nil {
		WriteErr(w, r, err)
		return
	}
	WriteSuccess(w, r, s.sessions.State())
}

func (s *Server) handleBind(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ClientID string `json:"clientId"`
	}
	if err := decodeStrict(r, &req); err != nil {
		WriteErr(w, r, err)
		return
	}
	err := s.sessions.Bind(r.Context(), strings.TrimSpace(req.ClientID))
	s.record(audit.ActionBind, s.sessions.State().Target, map[string]interface{}{"clientId": req.ClientID}, err)
	if err != nil {
		WriteErr(w, r, err)
		return
	}
	WriteSuccess(w, r, s.sessions.State())
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Text string `json:"text"`
	}
	if err := decodeStrict(r, &req); err != nil {
		WriteErr(w, r, err)
		return
	}
	if err := s.sessions.SendCommand(r.Context(), req.Text); err != nil {
		WriteErr(w, r, err)
		return
	}
	WriteSuccess(w, r, map[string]string{"sent": strings.TrimSpace(req.Text)})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	WriteSuccess(w, r, s.sessions.History())
}

type messageView struct {
	msglog.Entry
	Line string `json:"line"`
}

// handleMessages returns the message log, filtered by ?filter=&text= and
// limited to entries after ?after=<id>.
func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter, err := msglog.ParseFilter(q.Get("filter"))
	if err != nil {
		WriteErr(w, r, fmt.Errorf("%w: %v", ErrBadRequest, err))
		return
	}
	var after int64
	if v := q.Get("after"); v != "" {
		after, err = strconv.ParseInt(v, 10, 64)
		if err != nil {
			WriteErr(w, r, fmt.Errorf("%w: after must be an integer", ErrBadRequest))
			return
		}
	}

	text := q.Get("text")
	out := make([]messageView, 0)
	for _, e := range s.sessions.Messages().Filter(filter, text) {
		if e.ID > after {
			out = append(out, messageView{Entry: e, Line: e.String()})
		}
	}
	WriteSuccess(w, r, out)
}

func (s *Server) handleClearMessages(w http.ResponseWriter, r *http.Request) {
	s.sessions.Messages().Clear()
	WriteSuccess(w, r, nil)
}

func (s *Server) handleDecisions(w http.ResponseWriter, r *http.Request) {
	if s.decider == nil {
		WriteSuccess(w, r, []PendingDecision{})
		return
	}
	WriteSuccess(w, r, s.decider.Pending())
}

func (s *Server) handleAnswer(w http.ResponseWriter, r *http.Request) {
	if s.decider == nil {
		WriteErr(w, r, ErrDecisionNotFound)
		return
	}
	var req struct {
		Option *int `json:"option"`
	}
	if err := decodeStrict(r, &req); err != nil {
		WriteErr(w, r, err)
		return
	}
	if req.Option == nil {
		WriteErr(w, r, fmt.Errorf("%w: option is required", ErrBadRequest))
		return
	}
	opt, err := s.decider.Answer(r.PathValue("id"), *req.Option)
	if err != nil {
		WriteErr(w, r, err)
		return
	}
	WriteSuccess(w, r, opt)
}

func (s *Server) handleRelayStatus(w http.ResponseWriter, r *http.Request) {
	if s.relay == nil {
		WriteErr(w, r, ErrRelayNotEnabled)
		return
	}
	WriteSuccess(w, r, s.relay.Status())
}

func (s *Server) handleRelayLogin(w http.ResponseWriter, r *http.Request) {
	if s.relay == nil {
		WriteErr(w, r, ErrRelayNotEnabled)
		return
	}
	var req struct {
		Email string `json:"email"`
	}
	if err := decodeStrict(r, &req); err != nil {
		WriteErr(w, r, err)
		return
	}
	email := strings.TrimSpace(req.Email)
	if email == "" {
		email = s.relay.Status().Email
	}
	// the login outlives an impatient client
	if err := s.relay.Login(context.WithoutCancel(r.Context()), email); err != nil {
		WriteErr(w, r, err)
		return
	}
	WriteSuccess(w, r, s.relay.Status())
}

func (s *Server) handleRelayLogout(w http.ResponseWriter, r *http.Request) {
	if s.relay == nil {
		WriteErr(w, r, ErrRelayNotEnabled)
		return
	}
	if err := s.relay.Logout(r.Context()); err != nil {
		WriteErr(w, r, err)
		return
	}
	WriteSuccess(w, r, s.relay.Status())
}

// handleRelayEnabled flips the relay toggle, logging in or out to match.
func (s *Server) handleRelayEnabled(w http.ResponseWriter, r *http.Request) {
	if s.relay == nil {
		WriteErr(w, r, ErrRelayNotEnabled)
		return
	}
	var req struct {
		Enabled *bool `json:"enabled"`
	}
	if err := decodeStrict(r, &req); err != nil {
		WriteErr(w, r, err)
		return
	}
	if req.Enabled == nil {
		WriteErr(w, r, fmt.Errorf("%w: enabled is required", ErrBadRequest))
		return
	}
	err := s.relay.SetEnabled(context.WithoutCancel(r.Context()), *req.Enabled)
	s.record("relay.enabled", s.relay.Status().Email, map[string]interface{}{"enabled": *req.Enabled}, err)
	if err != nil {
		WriteErr(w, r, err)
		return
	}
	WriteSuccess(w, r, s.relay.Status())
}

func (s *Server) handleRelayTest(w http.ResponseWriter, r *http.Request) {
	if s.relay == nil {
		WriteErr(w, r, ErrRelayNotEnabled)
		return
	}
	var req struct {
		Target string `json:"target"`
	}
	if err := decodeStrict(r, &req); err != nil {
		WriteErr(w, r, err)
		return
	}
	res, err := s.lookup(req.Target)
	if err != nil {
		WriteErr(w, r, err)
		return
	}
	result, err := s.relay.TestConnection(r.Context(), res)
	if err != nil {
		WriteErr(w, r, err)
		return
	}
	WriteSuccess(w, r, result)
}

func (s *Server) handleCredentialRequests(w http.ResponseWriter, r *http.Request) {
	if s.relay == nil || s.creds == nil {
		WriteErr(w, r, ErrRelayNotEnabled)
		return
	}
	WriteSuccess(w, r, s.creds.Waiting())
}

func (s *Server) handleSupplyCredentials(w http.ResponseWriter, r *http.Request) {
	if s.relay == nil || s.creds == nil {
		WriteErr(w, r, ErrRelayNotEnabled)
		return
	}
	var req struct {
		Email        string `json:"email"`
		IDToken      string `json:"idToken"`
		RefreshToken string `json:"refreshToken"`
	}
	if err := decodeStrict(r, &req); err != nil {
		WriteErr(w, r, err)
		return
	}
	err := s.creds.Supply(strings.TrimSpace(req.Email), relay.Tokens{IDToken: req.IDToken, RefreshToken: req.RefreshToken})
	if err != nil {
		WriteErr(w, r, err)
		return
	}
	WriteSuccess(w, r, nil)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.telemetry == nil {
		WriteError(w, r, http.StatusServiceUnavailable, "UNAVAILABLE", "event stream is not available", nil)
		return
	}
	if err := s.telemetry.Subscribe(r.Context(), w, r); err != nil {
		s.log.Debug("event stream ended", zap.Error(err))
	}
}

// lookup finds a resource by connection string.
func (s *Server) lookup(conn string) (radio.Resource, error) {
	serial, access, err := radio.ParseConnectionString(conn)
	if err != nil {
		return radio.Resource{}, fmt.Errorf("%w: %v", ErrUnknownConnection, err)
	}
	for _, res := range s.sessions.Resources() {
		if res.Serial == serial && res.Access == access {
			return res, nil
		}
	}
	return radio.Resource{}, fmt.Errorf("%w: %s", ErrNotFound, conn)
}

func (s *Server) record(action, target string, params map[string]interface{}, err error) {
	if s.audit != nil {
		s.audit.Action(action, target, params, err)
	}
}
