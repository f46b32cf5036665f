package streamevent

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// MalformedEventError reports a frame that could not be turned into an Event.
// Callers log and skip it; it never affects connection state.
type MalformedEventError struct {
	Reason string
	Raw    string
	Err    error
}

func (e *MalformedEventError) Error() string {
	if e == nil {
		return "malformed stream event"
	}
	if e.Err != nil {
		return fmt.Sprintf("malformed stream event: %s: %v", e.Reason, e.Err)
	}
	return "malformed stream event: " + e.Reason
}

func (e *MalformedEventError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

const maxRawInError = 256

func malformed(raw []byte, reason string, err error) *MalformedEventError {
	r := string(raw)
	if len(r) > maxRawInError {
		r = r[:maxRawInError] + "..."
	}
	return &MalformedEventError{Reason: reason, Raw: r, Err: err}
}

// Decode parses one wire frame:
//
//	{event_id, event_type, message_id, session_id, sequence, payload?, metadata?, timestamp}
func Decode(raw []byte) (Event, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return Event{}, malformed(raw, "empty frame", nil)
	}
	if !gjson.ValidBytes(raw) {
		return Event{}, malformed(raw, "invalid json", nil)
	}
	root := gjson.ParseBytes(raw)
	if !root.IsObject() {
		return Event{}, malformed(raw, "frame is not an object", nil)
	}

	typ := root.Get("event_type")
	if typ.Type != gjson.String {
		return Event{}, malformed(raw, "missing event_type", nil)
	}
	et, ok := ParseEventType(typ.Str)
	if !ok {
		return Event{}, malformed(raw, "unrecognized event_type "+strconv.Quote(typ.Str), nil)
	}

	seq, err := parseSequence(root.Get("sequence"))
	if err != nil {
		return Event{}, malformed(raw, "invalid sequence", err)
	}

	ev := Event{
		EventID:   strings.TrimSpace(root.Get("event_id").String()),
		Type:      et,
		MessageID: strings.TrimSpace(root.Get("message_id").String()),
		SessionID: strings.TrimSpace(root.Get("session_id").String()),
		Sequence:  seq,
		Timestamp: parseTimestamp(root.Get("timestamp")),
	}

	if md := root.Get("metadata"); md.IsObject() {
		if err := json.Unmarshal([]byte(md.Raw), &ev.Metadata); err != nil {
			return Event{}, malformed(raw, "invalid metadata", err)
		}
	}

	payloadRaw := "{}"
	if p := root.Get("payload"); p.Exists() && p.Type != gjson.Null {
		if !p.IsObject() {
			return Event{}, malformed(raw, "payload is not an object", nil)
		}
		payloadRaw = p.Raw
	}
	payload, err := decodePayload(et, payloadRaw)
	if err != nil {
		return Event{}, malformed(raw, "invalid "+string(et)+" payload", err)
	}
	ev.Payload = payload
	return ev, nil
}

func decodePayload(et EventType, raw string) (Payload, error) {
	switch et {
	case TypeMessageStart:
		return decodeAs[MessageStart](raw)
	case TypeMessageEnd:
		return decodeAs[MessageEnd](raw)
	case TypeTextDelta:
		p, err := decodeAs[TextDelta](raw)
		if err == nil && p.(TextDelta).Delta == "" {
			// Some producers send the fragment as "text".
			if t := gjson.Get(raw, "text"); t.Type == gjson.String {
				return TextDelta{Delta: t.Str}, nil
			}
		}
		return p, err
	case TypeTextComplete:
		return decodeAs[TextComplete](raw)
	case TypeContentAdded:
		return decodeAs[ContentAdded](raw)
	case TypeContentUpdated:
		return decodeAs[ContentUpdated](raw)
	case TypeContentRemoved:
		return decodeAs[ContentRemoved](raw)
	case TypeTaskStarted:
		return decodeAs[TaskStarted](raw)
	case TypeTaskProgress:
		return decodeAs[TaskProgress](raw)
	case TypeTaskCompleted:
		return decodeAs[TaskCompleted](raw)
	case TypeTaskFailed:
		return decodeAs[TaskFailed](raw)
	case TypeToolCall:
		return decodeAs[ToolCall](raw)
	case TypeToolResult:
		return decodeAs[ToolResult](raw)
	case TypeError:
		p, err := decodeAs[ServerError](raw)
		if err == nil && p.(ServerError).Message == "" {
			se := p.(ServerError)
			if e := gjson.Get(raw, "error"); e.Type == gjson.String {
				se.Message = e.Str
			}
			return se, nil
		}
		return p, err
	case TypePing:
		return Ping{}, nil
	default:
		return nil, fmt.Errorf("no payload type for %q", et)
	}
}

func decodeAs[T Payload](raw string) (Payload, error) {
	var p T
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return nil, err
	}
	return p, nil
}

func parseSequence(r gjson.Result) (int64, error) {
	switch r.Type {
	case gjson.Null:
		return 0, nil
	case gjson.Number:
		if r.Num != math.Trunc(r.Num) || r.Num < 0 {
			return 0, fmt.Errorf("not a non-negative integer: %s", r.Raw)
		}
		return r.Int(), nil
	case gjson.String:
		v, err := strconv.ParseInt(strings.TrimSpace(r.Str), 10, 64)
		if err != nil {
			return 0, err
		}
		if v < 0 {
			return 0, fmt.Errorf("negative sequence %d", v)
		}
		return v, nil
	default:
		return 0, fmt.Errorf("unexpected json type %s", r.Type)
	}
}

var isoLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

// parseTimestamp accepts RFC 3339 strings, naive ISO strings (UTC) and unix
// seconds or milliseconds. Unparseable values yield the zero time.
func parseTimestamp(r gjson.Result) time.Time {
	switch r.Type {
	case gjson.Number:
		v := r.Float()
		if v <= 0 {
			return time.Time{}
		}
		if v > 1e12 {
			return time.UnixMilli(int64(v)).UTC()
		}
		sec, frac := math.Modf(v)
		return time.Unix(int64(sec), int64(frac*1e9)).UTC()
	case gjson.String:
		s := strings.TrimSpace(r.Str)
		for _, layout := range isoLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				return t.UTC()
			}
		}
	}
	return time.Time{}
}

type wireEvent struct {
	EventID   string         `json:"event_id,omitempty"`
	EventType EventType      `json:"event_type"`
	MessageID string         `json:"message_id"`
	SessionID string         `json:"session_id"`
	Sequence  int64          `json:"sequence"`
	Payload   Payload        `json:"payload,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Timestamp string         `json:"timestamp,omitempty"`
}

// Encode renders ev in the wire shape accepted by Decode.
func Encode(ev Event) ([]byte, error) {
	et := ev.Type
	if et == "" && ev.Payload != nil {
		et = ev.Payload.EventType()
	}
	if _, ok := ParseEventType(string(et)); !ok {
		return nil, fmt.Errorf("encode: unknown event type %q", et)
	}
	if ev.Payload != nil && ev.Payload.EventType() != et {
		return nil, fmt.Errorf("encode: payload %T does not match event type %q", ev.Payload, et)
	}
	w := wireEvent{
		EventID:   ev.EventID,
		EventType: et,
		MessageID: ev.MessageID,
		SessionID: ev.SessionID,
		Sequence:  ev.Sequence,
		Payload:   ev.Payload,
		Metadata:  ev.Metadata,
	}
	if !ev.Timestamp.IsZero() {
		w.Timestamp = ev.Timestamp.UTC().Format(time.RFC3339Nano)
	}
	return json.Marshal(w)
}
