package hub

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Wire method names.
const (
	methodCall     = "CallWithReturn"
	methodReturn   = "Return"
	methodChanged  = "PropertiesChanged"
	handshakeToken = "Connected"

	// VerbSetSubscription replaces the hub-side subscription for the listed devices.
	VerbSetSubscription = "SetSubscription"
)

// Frame is a decoded inbound message. The concrete type is one of
// HandshakeFrame, ResponseFrame or EventFrame.
type Frame interface {
	frame()
}

// HandshakeFrame is the hub's readiness signal sent once after connect.
type HandshakeFrame struct{}

// ResponseFrame answers the request with the same sequence number.
type ResponseFrame struct {
	SequenceID uint64
	Values     []json.RawMessage
	Error      string
}

// EventFrame carries property changes, grouped by device in order of first
// appearance.
type EventFrame struct {
	Updates []DeviceUpdate
}

// DeviceUpdate is the set of changed raw properties for one device.
type DeviceUpdate struct {
	DeviceID string
	Changes  map[string]any
}

func (HandshakeFrame) frame() {}
func (ResponseFrame) frame()  {}
func (EventFrame) frame()     {}

type requestEnvelope struct {
	MethodName string      `json:"methodName"`
	Request    requestBody `json:"request"`
}

type requestBody struct {
	Args       []any  `json:"args"`
	MethodName string `json:"methodName"`
	SequenceID uint64 `json:"sequenceId"`
}

type inboundEnvelope struct {
	MethodName string          `json:"methodName"`
	Response   *responseBody   `json:"response"`
	Changes    json.RawMessage `json:"changes"`
}

type responseBody struct {
	SequenceID uint64            `json:"sequenceId"`
	Values     []json.RawMessage `json:"values"`
	Error      string            `json:"error"`
}

// EncodeRequest encodes one outbound request frame.
func EncodeRequest(seq uint64, verb string, args []any) ([]byte, error) {
	if args == nil {
		args = []any{}
	}
	data, err := json.Marshal(requestEnvelope{
		MethodName: methodCall,
		Request: requestBody{
			Args:       args,
			MethodName: verb,
			SequenceID: seq,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("encoding request %d: %w", seq, err)
	}
	return data, nil
}

// DecodeFrame decodes one inbound message.
func DecodeFrame(data []byte) (Frame, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty message", ErrInvalidFrame)
	}

	if data[0] == '[' {
		var words []string
		if err := json.Unmarshal(data, &words); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidFrame, err)
		}
		if len(words) == 1 && words[0] == handshakeToken {
			return HandshakeFrame{}, nil
		}
		return nil, fmt.Errorf("%w: unexpected array message", ErrInvalidFrame)
	}

	var env inboundEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidFrame, err)
	}

	switch env.MethodName {
	case methodReturn:
		if env.Response == nil {
			return nil, fmt.Errorf("%w: return without response body", ErrInvalidFrame)
		}
		return ResponseFrame{
			SequenceID: env.Response.SequenceID,
			Values:     env.Response.Values,
			Error:      env.Response.Error,
		}, nil
	case methodChanged:
		updates, err := decodeChanges(env.Changes)
		if err != nil {
			return nil, err
		}
		return EventFrame{Updates: updates}, nil
	default:
		return nil, fmt.Errorf("%w: unknown method %q", ErrInvalidFrame, env.MethodName)
	}
}

// decodeChanges walks the changes object in document order so that
// per-device grouping keeps arrival order.
func decodeChanges(raw json.RawMessage) ([]DeviceUpdate, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	tok, err := dec.Token()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidFrame, err)
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, fmt.Errorf("%w: changes is not an object", ErrInvalidFrame)
	}

	var updates []DeviceUpdate
	index := make(map[string]int)

	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidFrame, err)
		}
		key, _ := keyTok.(string) //nolint:errcheck // object keys are always strings

		var entry json.RawMessage
		if err := dec.Decode(&entry); err != nil {
			return nil, fmt.Errorf("%w: change %q: %w", ErrInvalidFrame, key, err)
		}

		deviceID, property, ok := splitTarget(key)
		if !ok {
			continue
		}
		value, err := entryValue(entry)
		if err != nil {
			return nil, fmt.Errorf("%w: change %q: %w", ErrInvalidFrame, key, err)
		}

		i, seen := index[deviceID]
		if !seen {
			i = len(updates)
			index[deviceID] = i
			updates = append(updates, DeviceUpdate{DeviceID: deviceID, Changes: make(map[string]any)})
		}
		updates[i].Changes[property] = value
	}

	return updates, nil
}

// entryValue unwraps {"value": x}. Entries without the wrapper are taken as is.
func entryValue(entry json.RawMessage) (any, error) {
	var wrapped map[string]json.RawMessage
	if err := json.Unmarshal(entry, &wrapped); err == nil {
		if v, ok := wrapped["value"]; ok {
			entry = v
		}
	}
	var value any
	if err := json.Unmarshal(entry, &value); err != nil {
		return nil, err
	}
	return value, nil
}

// splitTarget splits "<deviceId>.<property>" at the last dot.
func splitTarget(key string) (deviceID, property string, ok bool) {
	i := strings.LastIndexByte(key, '.')
	if i <= 0 || i == len(key)-1 {
		return "", "", false
	}
	return key[:i], key[i+1:], true
}

// Target builds the "<deviceId>.<member>" request target.
func Target(deviceID, member string) string {
	if member == "" {
		return deviceID
	}
	return deviceID + "." + member
}
