package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"pacebot/internal/eventbus"
	logx "pacebot/pkg/logx"
)

// StreamTypes are relayed by GET /api/events unless the request narrows
// them with ?type=.
var StreamTypes = []string{
	eventbus.TypeClientState,
	eventbus.TypeForwardProgress,
	eventbus.TypeForwardDone,
	eventbus.TypeDispatchDrained,
}

const (
	streamBuffer    = 64
	streamKeepalive = 15 * time.Second
)

// WithEvents enables GET /api/events, a server-sent event stream fed by bus.
func WithEvents(bus eventbus.Bus) Option {
	return func(s *Server) { s.bus = bus }
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.bus == nil {
		writeError(w, http.StatusNotFound, CodeNotFound, "event stream disabled")
		return
	}
	want := map[string]bool{}
	for _, t := range StreamTypes {
		want[t] = true
	}
	if narrow := splitParam(r.URL.Query()["type"]); len(narrow) > 0 {
		sel := map[string]bool{}
		for _, t := range narrow {
			if !want[t] {
				writeError(w, http.StatusBadRequest, CodeBadRequest, "unknown event type "+t)
				return
			}
			sel[t] = true
		}
		want = sel
	}

	rc := http.NewResponseController(w)
	events, unsub := s.bus.Subscribe(streamBuffer)
	defer unsub()

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		s.log.Warn("event stream flush unsupported", logx.Err(err))
		return
	}

	stop := s.streamStop()
	ping := time.NewTicker(streamKeepalive)
	defer ping.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-stop:
			return
		case <-ping.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
		case e, ok := <-events:
			if !ok {
				return
			}
			if !want[e.Type] {
				continue
			}
			if err := writeEvent(w, e); err != nil {
				s.log.Debug("event stream closed", logx.Err(err))
				return
			}
		}
		if err := rc.Flush(); err != nil {
			return
		}
	}
}

func writeEvent(w http.ResponseWriter, e eventbus.Event) error {
	body, err := json.Marshal(e)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", e.Type, body)
	return err
}

// streamStop is closed when the current listener shuts down. Shutdown does
// not wait for streams to finish on their own.
func (s *Server) streamStop() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streams
}
