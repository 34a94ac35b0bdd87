package signal

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrUnknownType is returned by Decode for a message whose type is not
	// part of the protocol. Callers ignore such messages.
	ErrUnknownType = errors.New("signal: unknown message type")

	// ErrMissingField is wrapped by every *FieldError.
	ErrMissingField = errors.New("signal: missing required field")
)

// FieldError reports a message that lacks a field its type requires.
type FieldError struct {
	Type  Type
	Field string
}

func (e *FieldError) Error() string {
	if e.Type == "" {
		return fmt.Sprintf("signal: message missing required field %q", e.Field)
	}
	return fmt.Sprintf("signal: %s message missing required field %q", e.Type, e.Field)
}

func (e *FieldError) Unwrap() error { return ErrMissingField }

const (
	defaultSDPMid        = "video"
	defaultSDPMLineIndex = 0
)

// Encode serializes msg as one JSON text frame.
func Encode(msg Message) ([]byte, error) {
	out := map[string]any{"type": msg.Type()}

	switch m := msg.(type) {
	case Offer:
		putRoute(out, m.From, m.To)
		out["sdp"] = m.SDP
	case Answer:
		putRoute(out, m.From, m.To)
		out["sdp"] = m.SDP
	case Candidate:
		putRoute(out, m.From, m.To)
		out["candidate"] = map[string]any{
			"sdpMid":        m.Candidate.SDPMid,
			"sdpMLineIndex": m.Candidate.SDPMLineIndex,
			"candidate":     m.Candidate.Candidate,
		}
	case Join:
		out["client"] = m.ClientID
	case Leave:
		out["client"] = m.ClientID
	case RoomClients:
		clients := m.ClientIDs
		if clients == nil {
			clients = []string{}
		}
		out["clients"] = clients
	case Heartbeat, HeartbeatAck:
	case Command:
		out["command"] = m.Payload
	default:
		return nil, fmt.Errorf("signal: cannot encode %T", msg)
	}

	return json.Marshal(out)
}

func putRoute(out map[string]any, from, to string) {
	out["from"] = from
	if to != "" {
		out["to"] = to
	}
}

// Decode parses one JSON text frame. Fields are decoded independently: a
// malformed optional field falls back to its zero value, while a missing or
// malformed required field yields a *FieldError.
func Decode(data []byte) (Message, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("signal: decode message: %w", err)
	}

	typ, ok := stringField(fields, "type")
	if !ok || typ == "" {
		return nil, &FieldError{Field: "type"}
	}
	t := Type(typ)

	switch t {
	case TypeOffer, TypeAnswer:
		from, err := requireString(fields, t, "from")
		if err != nil {
			return nil, err
		}
		sdp, ok := sdpField(fields)
		if !ok {
			return nil, &FieldError{Type: t, Field: "sdp"}
		}
		to, _ := stringField(fields, "to")
		if t == TypeOffer {
			return Offer{From: from, To: to, SDP: sdp}, nil
		}
		return Answer{From: from, To: to, SDP: sdp}, nil

	case TypeCandidate:
		from, err := requireString(fields, t, "from")
		if err != nil {
			return nil, err
		}
		raw, ok := fields["candidate"]
		if !ok || isNull(raw) {
			return nil, &FieldError{Type: t, Field: "candidate"}
		}
		c, err := ParseICECandidate(raw)
		if err != nil {
			return nil, &FieldError{Type: t, Field: "candidate"}
		}
		to, _ := stringField(fields, "to")
		return Candidate{From: from, To: to, Candidate: c}, nil

	case TypeJoin, TypeLeave:
		id, ok := stringField(fields, "client")
		if !ok || id == "" {
			id, ok = stringField(fields, "clientId")
		}
		if !ok || id == "" {
			return nil, &FieldError{Type: t, Field: "client"}
		}
		if t == TypeJoin {
			return Join{ClientID: id}, nil
		}
		return Leave{ClientID: id}, nil

	case TypeRoomClients:
		raw, ok := fields["clients"]
		if !ok || isNull(raw) {
			return nil, &FieldError{Type: t, Field: "clients"}
		}
		var items []json.RawMessage
		if err := json.Unmarshal(raw, &items); err != nil {
			return nil, &FieldError{Type: t, Field: "clients"}
		}
		ids := make([]string, 0, len(items))
		for _, item := range items {
			var id string
			if err := json.Unmarshal(item, &id); err != nil || id == "" {
				continue
			}
			ids = append(ids, id)
		}
		return RoomClients{ClientIDs: ids}, nil

	case TypeHeartbeat:
		return Heartbeat{}, nil

	case TypeHeartbeatAck:
		return HeartbeatAck{}, nil

	case TypeCommand:
		raw, ok := fields["command"]
		if !ok || isNull(raw) {
			raw, ok = fields["payload"]
		}
		if !ok || isNull(raw) {
			return nil, &FieldError{Type: t, Field: "command"}
		}
		var payload string
		if err := json.Unmarshal(raw, &payload); err != nil {
			payload = string(bytes.TrimSpace(raw))
		}
		return Command{Payload: payload}, nil
	}

	return nil, fmt.Errorf("%w: %q", ErrUnknownType, typ)
}

// ParseICECandidate normalizes the candidate shapes seen on the wire:
//
//	{"sdpMid":"0","sdpMLineIndex":0,"sdp":"candidate:..."}
//	{"id":"0","label":0,"candidate":"candidate:..."}
//	{"candidate":"candidate:..."[,"sdpMid":..][,"sdpMLineIndex":..]}
//
// A JSON string holding one of these objects is accepted too; any other
// string is taken as the bare candidate line.
func ParseICECandidate(raw json.RawMessage) (ICECandidate, error) {
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		var nested map[string]json.RawMessage
		if err := json.Unmarshal([]byte(text), &nested); err == nil {
			return candidateFromFields(nested)
		}
		if text == "" {
			return ICECandidate{}, errors.New("signal: empty candidate")
		}
		return ICECandidate{SDPMid: defaultSDPMid, SDPMLineIndex: defaultSDPMLineIndex, Candidate: text}, nil
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return ICECandidate{}, fmt.Errorf("signal: decode candidate: %w", err)
	}
	return candidateFromFields(fields)
}

func candidateFromFields(fields map[string]json.RawMessage) (ICECandidate, error) {
	if mid, ok := stringField(fields, "sdpMid"); ok {
		if idx, ok := indexField(fields, "sdpMLineIndex"); ok {
			if sdp, ok := stringField(fields, "sdp"); ok && sdp != "" {
				return ICECandidate{SDPMid: mid, SDPMLineIndex: idx, Candidate: sdp}, nil
			}
		}
	}

	if id, ok := stringField(fields, "id"); ok {
		if label, ok := indexField(fields, "label"); ok {
			if c, ok := stringField(fields, "candidate"); ok && c != "" {
				return ICECandidate{SDPMid: id, SDPMLineIndex: label, Candidate: c}, nil
			}
		}
	}

	c, ok := stringField(fields, "candidate")
	if !ok || c == "" {
		return ICECandidate{}, errors.New("signal: unsupported candidate shape")
	}
	out := ICECandidate{SDPMid: defaultSDPMid, SDPMLineIndex: defaultSDPMLineIndex, Candidate: c}
	if mid, ok := stringField(fields, "sdpMid"); ok {
		out.SDPMid = mid
	}
	if idx, ok := indexField(fields, "sdpMLineIndex"); ok {
		out.SDPMLineIndex = idx
	}
	return out, nil
}

func requireString(fields map[string]json.RawMessage, t Type, name string) (string, error) {
	s, ok := stringField(fields, name)
	if !ok || s == "" {
		return "", &FieldError{Type: t, Field: name}
	}
	return s, nil
}

func stringField(fields map[string]json.RawMessage, name string) (string, bool) {
	raw, ok := fields[name]
	if !ok || isNull(raw) {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	return s, true
}

func indexField(fields map[string]json.RawMessage, name string) (uint16, bool) {
	raw, ok := fields[name]
	if !ok || isNull(raw) {
		return 0, false
	}
	var idx uint16
	if err := json.Unmarshal(raw, &idx); err != nil {
		return 0, false
	}
	return idx, true
}

// sdpField accepts both a plain string and the {"type":..,"sdp":..} object
// some web clients send.
func sdpField(fields map[string]json.RawMessage) (string, bool) {
	if s, ok := stringField(fields, "sdp"); ok {
		return s, s != ""
	}
	raw, ok := fields["sdp"]
	if !ok || isNull(raw) {
		return "", false
	}
	var nested map[string]json.RawMessage
	if err := json.Unmarshal(raw, &nested); err != nil {
		return "", false
	}
	s, ok := stringField(nested, "sdp")
	return s, ok && s != ""
}

func isNull(raw json.RawMessage) bool {
	return len(bytes.TrimSpace(raw)) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}
