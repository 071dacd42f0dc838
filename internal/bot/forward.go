package bot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync/atomic"

	"pacebot/internal/dispatch"
	"pacebot/internal/eventbus"
	"pacebot/internal/storage"
	"pacebot/internal/transport"
	logx "pacebot/pkg/logx"
)

var ErrMessageNotFound = errors.New("bot: message not found")

// Progress is the data of a forward.progress event.
type Progress struct {
	Batch       string `json:"batch"`
	Done        int64  `json:"done"`
	Total       int    `json:"total"`
	Destination string `json:"destination"`
	OK          bool   `json:"ok"`
	Error       string `json:"error,omitempty"`
}

// Forward re-sends stored messages to every group, one paced batch in total.
// It returns the batch id once the batch is queued.
func (s *Service) Forward(ctx context.Context, messageIDs, groupIDs []string) (string, error) {
	messageIDs, groupIDs = compact(messageIDs), compact(groupIDs)
	if len(messageIDs) == 0 || len(groupIDs) == 0 {
		return "", fmt.Errorf("%w: message and group ids are required", dispatch.ErrInvalidInput)
	}
	owner := s.owner()
	payloads := make([]transport.Payload, 0, len(messageIDs))
	for _, id := range messageIDs {
		m, err := s.store.GetMessage(ctx, owner, id)
		if errors.Is(err, storage.ErrNotFound) {
			return "", fmt.Errorf("%w: %s", ErrMessageNotFound, id)
		}
		if err != nil {
			return "", fmt.Errorf("load message %s: %w", id, err)
		}
		payloads = append(payloads, PayloadOf(m))
	}

	total := len(payloads) * len(groupIDs)
	var done atomic.Int64
	onUnit := func(r dispatch.UnitResult) {
		p := Progress{
			Batch:       r.BatchID,
			Done:        done.Add(1),
			Total:       total,
			Destination: r.Destination,
			OK:          r.OK,
		}
		if r.Err != nil {
			p.Error = r.Err.Error()
		}
		s.publish(eventbus.TypeForwardProgress, p)
	}
	onBatch := func(r dispatch.BatchResult) {
		s.log.Info("forward finished",
			logx.String("batch", r.ID),
			logx.Int("ok", r.Succeeded),
			logx.Int("failed", r.Failed))
		s.publish(eventbus.TypeForwardDone, r)
	}
	return s.eng.Forward(ctx, payloads, groupIDs, onUnit, onBatch)
}

func (s *Service) publish(typ string, data any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: s.now(), Data: data})
}

var contactName = regexp.MustCompile(`^(.+?),`)

// PayloadOf rebuilds a sendable payload from a stored message. Bodies that
// cannot be parsed are sent as plain text.
func PayloadOf(m storage.Message) transport.Payload {
	text := transport.Payload{Type: transport.PayloadText, Text: m.Text}
	switch transport.PayloadType(m.Type) {
	case transport.PayloadLocation:
		body := m.Raw
		if body == "" {
			body = m.Text
		}
		var loc map[string]any
		if err := json.Unmarshal([]byte(body), &loc); err != nil {
			return transport.Payload{Type: transport.PayloadText, Text: body}
		}
		params := map[string]string{}
		for k, v := range loc {
			switch v := v.(type) {
			case float64:
				params[k] = strconv.FormatFloat(v, 'f', -1, 64)
			case string:
				params[k] = v
			}
		}
		if params["lat"] == "" || params["lng"] == "" {
			return transport.Payload{Type: transport.PayloadText, Text: body}
		}
		return transport.Payload{Type: transport.PayloadLocation, Text: m.Text, Params: params}
	case transport.PayloadContact:
		var card map[string]string
		if m.Raw != "" && json.Unmarshal([]byte(m.Raw), &card) == nil && card["name"] != "" {
			return transport.Payload{Type: transport.PayloadContact, Text: card["name"], Params: card}
		}
		if sm := contactName.FindStringSubmatch(m.Text); sm != nil {
			return transport.Payload{Type: transport.PayloadContact, Text: sm[1], Params: map[string]string{"name": sm[1]}}
		}
		return text
	case transport.PayloadLink:
		return transport.Payload{Type: transport.PayloadLink, Text: m.Text, Params: map[string]string{"url": m.Raw}}
	default:
		return text
	}
}

// compact splits comma separated values and drops blanks.
func compact(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
