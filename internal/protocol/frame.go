package protocol

import (
	"bytes"

	"github.com/google/uuid"

	"mksmaster/internal/xjson"
)

// Routing values.
const (
	RoutingDirect    = "DIRECT"
	RoutingBroadcast = "BROADCAST"
)

// Direction values carried in the header.
const (
	DirectionRequest  = "request"
	DirectionResponse = "response"
)

// Header is the transport-level demux part of a frame. ID is the correlation
// identity a response echoes back to its caller.
type Header struct {
	Command   string            `json:"command"`
	Direction string            `json:"direction"`
	ID        string            `json:"id"`
	Meta      map[string]string `json:"meta,omitempty"`
}

// Frame is one complete protocol message.
type Frame struct {
	Header      Header           `json:"header"`
	Source      string           `json:"source"`
	Destination string           `json:"destination"`
	Routing     string           `json:"routing"`
	Payload     xjson.RawMessage `json:"payload,omitempty"`
}

// IsRequest reports whether the frame expects a reply.
func (f *Frame) IsRequest() bool {
	return f.Header.Direction != DirectionResponse
}

// IsBroadcast reports whether the frame is topic/broadcast routed.
func (f *Frame) IsBroadcast() bool {
	return f.Routing == RoutingBroadcast
}

// BuildRequest constructs a request frame. payload may be nil for commands
// without input; meta is copied into the header.
func BuildRequest(routing, destination, source string, command Command, payload any, meta map[string]string) (*Frame, error) {
	raw, err := encodePayload(payload)
	if err != nil {
		return nil, err
	}
	if routing == "" {
		routing = RoutingDirect
	}
	return &Frame{
		Header: Header{
			Command:   string(command),
			Direction: DirectionRequest,
			ID:        uuid.NewString(),
			Meta:      cloneMeta(meta),
		},
		Source:      source,
		Destination: destination,
		Routing:     routing,
		Payload:     raw,
	}, nil
}

// BuildResponse answers original: correlation fields are copied, source and
// destination swap, the payload is replaced. Responses are always DIRECT, also
// for broadcast requests.
func BuildResponse(original *Frame, payload any) (*Frame, error) {
	if original == nil {
		return nil, malformed("response without original frame")
	}
	raw, err := encodePayload(payload)
	if err != nil {
		return nil, err
	}
	return &Frame{
		Header: Header{
			Command:   original.Header.Command,
			Direction: DirectionResponse,
			ID:        original.Header.ID,
			Meta:      cloneMeta(original.Header.Meta),
		},
		Source:      original.Destination,
		Destination: original.Source,
		Routing:     RoutingDirect,
		Payload:     raw,
	}, nil
}

// Encode serializes a frame body (no framing).
func Encode(f *Frame) ([]byte, error) {
	if f == nil {
		return nil, malformed("nil frame")
	}
	return xjson.Marshal(f)
}

// Decode parses a frame body and validates the required fields. When the JSON
// parses but a field is missing, the partial frame is returned together with
// the error so the caller can still answer it.
func Decode(body []byte) (*Frame, error) {
	var f Frame
	if err := xjson.Unmarshal(body, &f); err != nil {
		return nil, malformed("invalid json: %v", err)
	}
	if err := validate(&f); err != nil {
		return &f, err
	}
	return &f, nil
}

func validate(f *Frame) error {
	if f.Header.Command == "" {
		return malformed("missing header.command")
	}
	switch f.Header.Direction {
	case "", DirectionRequest, DirectionResponse:
	default:
		return malformed("invalid header.direction %q", f.Header.Direction)
	}
	switch f.Routing {
	case RoutingDirect, RoutingBroadcast:
	default:
		return malformed("invalid routing %q", f.Routing)
	}
	return nil
}

// GetCommandFromFrame returns the header command.
func GetCommandFromFrame(f *Frame) (string, error) {
	if f == nil || f.Header.Command == "" {
		return "", malformed("missing header.command")
	}
	return f.Header.Command, nil
}

// GetSourceFromFrame returns the declared source uuid.
func GetSourceFromFrame(f *Frame) (string, error) {
	if f == nil || f.Source == "" {
		return "", malformed("missing source")
	}
	return f.Source, nil
}

// GetPayloadFromFrame decodes the payload into v. An absent or null payload
// is malformed.
func GetPayloadFromFrame(f *Frame, v any) error {
	if f == nil || len(bytes.TrimSpace(f.Payload)) == 0 || bytes.Equal(bytes.TrimSpace(f.Payload), []byte("null")) {
		return malformed("missing payload")
	}
	if err := xjson.Unmarshal(f.Payload, v); err != nil {
		return malformed("payload: %v", err)
	}
	return nil
}

func encodePayload(payload any) (xjson.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return xjson.RawMessage("{}"), nil
	case xjson.RawMessage:
		if !xjson.Valid(p) {
			return nil, malformed("payload is not valid json")
		}
		compact, err := xjson.Compact(p)
		if err != nil {
			return nil, malformed("payload: %v", err)
		}
		return compact, nil
	}
	raw, err := xjson.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return raw, nil
}

func cloneMeta(meta map[string]string) map[string]string {
	if len(meta) == 0 {
		return nil
	}
	out := make(map[string]string, len(meta))
	for k, v := range meta {
		out[k] = v
	}
	return out
}
