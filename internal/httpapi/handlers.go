package httpapi

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"runtime/debug"
	"strconv"
	"strings"

	"pacebot/internal/bot"
	"pacebot/internal/dispatch"
	"pacebot/internal/storage"
	"pacebot/internal/transport"
	logx "pacebot/pkg/logx"
)

const (
	CodeBadRequest  = "badReq"
	CodeNotAuthed   = "notAuthed"
	CodeNotFound    = "notFound"
	CodeTooFast     = "reqTooFast"
	CodeInternalErr = "internalErr"
)

type errorBody struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

type envelope struct {
	Data  any        `json:"data,omitempty"`
	Error *errorBody `json:"error,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body envelope) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeData(w http.ResponseWriter, data any) {
	if data == nil {
		data = struct{}{}
	}
	writeJSON(w, http.StatusOK, envelope{Data: data})
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	if msg == "" {
		msg = http.StatusText(status)
	}
	writeJSON(w, status, envelope{Error: &errorBody{Message: msg, Code: code}})
}

// fail maps domain errors onto status codes.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, dispatch.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, CodeBadRequest, err.Error())
	case errors.Is(err, bot.ErrMessageNotFound), errors.Is(err, storage.ErrNotFound), errors.Is(err, transport.ErrNotFound):
		writeError(w, http.StatusNotFound, CodeNotFound, err.Error())
	default:
		s.log.Warn("api request failed", logx.String("path", r.URL.Path), logx.Err(err))
		writeError(w, http.StatusInternalServerError, CodeInternalErr, "internal error")
	}
}

func (s *Server) auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cfg, _ := s.config()
		if cfg.Token != "" {
			got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || subtle.ConstantTimeCompare([]byte(got), []byte(cfg.Token)) != 1 {
				writeError(w, http.StatusUnauthorized, CodeNotAuthed, "not authenticated")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.log.Error("api handler panic",
					logx.String("path", r.URL.Path),
					logx.Any("panic", rec),
					logx.String("stack", string(debug.Stack())))
				writeError(w, http.StatusInternalServerError, CodeInternalErr, "internal error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	st, err := s.bot.Online(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeData(w, st)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if err := s.bot.Logout(r.Context()); err != nil {
		s.fail(w, r, err)
		return
	}
	writeData(w, nil)
}

type groupView struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Kind  string `json:"kind,omitempty"`
	Count int    `json:"member_count,omitempty"`
}

func (s *Server) handleGroups(w http.ResponseWriter, r *http.Request) {
	rooms, err := s.bot.Groups(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	out := make([]groupView, 0, len(rooms))
	for _, room := range rooms {
		out = append(out, groupView{ID: room.ID, Name: room.Topic, Kind: room.Kind, Count: room.MemberCount})
	}
	writeData(w, out)
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	q := storage.MessageQuery{}
	var err error
	if q.From, err = intParam(r, "from"); err != nil {
		writeError(w, http.StatusBadRequest, CodeBadRequest, err.Error())
		return
	}
	if q.Limit, err = intParam(r, "limit"); err != nil {
		writeError(w, http.StatusBadRequest, CodeBadRequest, err.Error())
		return
	}
	msgs, err := s.bot.Messages(r.Context(), q)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeData(w, msgs)
}

func (s *Server) handleForward(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	msgIDs, groupIDs := splitParam(query["msgId"]), splitParam(query["groupId"])
	if len(msgIDs) == 0 || len(groupIDs) == 0 {
		writeError(w, http.StatusBadRequest, CodeBadRequest, "invalid query")
		return
	}
	if _, lim := s.config(); lim != nil && !lim.Allow() {
		writeError(w, http.StatusTooManyRequests, CodeTooFast, "request too fast")
		return
	}
	id, err := s.bot.Forward(r.Context(), msgIDs, groupIDs)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeData(w, map[string]any{"batch": id, "units": len(msgIDs) * len(groupIDs)})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	out := map[string]any{"bot": s.bot.State()}
	if s.status != nil {
		out["engine"] = s.status()
	}
	writeData(w, out)
}

func intParam(r *http.Request, name string) (int, error) {
	v := strings.TrimSpace(r.URL.Query().Get(name))
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid %s", name)
	}
	return n, nil
}

// splitParam accepts repeated and comma separated values.
func splitParam(vals []string) []string {
	var out []string
	for _, v := range vals {
		for _, p := range strings.Split(v, ",") {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}
