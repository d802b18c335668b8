package bridge

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

type Method string

const (
	MethodGetItem    Method = "getItem"
	MethodSetItem    Method = "setItem"
	MethodRemoveItem Method = "removeItem"
	MethodClear      Method = "clear"
	MethodGetAllKeys Method = "getAllKeys"
)

func (m Method) Valid() bool {
	switch m {
	case MethodGetItem, MethodSetItem, MethodRemoveItem, MethodClear, MethodGetAllKeys:
		return true
	}
	return false
}

// Mutates reports whether the method changes stored state.
func (m Method) Mutates() bool {
	return m == MethodSetItem || m == MethodRemoveItem || m == MethodClear
}

const (
	HandshakeTimeout = 3000 * time.Millisecond
	RequestTimeout   = 5000 * time.Millisecond
)

var (
	ErrUnknownMessage = errors.New("unknown bridge message")
	ErrInvalidMethod  = errors.New("invalid storage method")
	ErrMissingKey     = errors.New("key is required")
)

// Request is a storage operation sent from a client to the host.
type Request struct {
	Method    Method  `json:"method"`
	Key       *string `json:"key,omitempty"`
	Value     *string `json:"value,omitempty"`
	RequestID string  `json:"requestId"`
}

func NewRequest(method Method, key, value *string) Request {
	return Request{Method: method, Key: key, Value: value}
}

func (r Request) Validate() error {
	if !r.Method.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidMethod, r.Method)
	}
	switch r.Method {
	case MethodGetItem, MethodRemoveItem:
		if r.Key == nil {
			return fmt.Errorf("%s: %w", r.Method, ErrMissingKey)
		}
	case MethodSetItem:
		if r.Key == nil {
			return fmt.Errorf("%s: %w", r.Method, ErrMissingKey)
		}
		if r.Value == nil {
			return fmt.Errorf("%s: value is required", r.Method)
		}
	}
	return nil
}

// Response answers exactly one Request, matched by RequestID. Error is nil
// on success and encodes as null.
type Response struct {
	RequestID string  `json:"requestId"`
	Result    any     `json:"result"`
	Error     *string `json:"error"`
}

func ErrorResponse(requestID string, err error) Response {
	msg := err.Error()
	return Response{RequestID: requestID, Error: &msg}
}

type Ready struct {
	Ready bool `json:"ready"`
}

// Change is pushed by the host to every other session after a mutation.
// A nil Value means the key was removed.
type Change struct {
	Key     string  `json:"key,omitempty"`
	Value   *string `json:"value,omitempty"`
	Cleared bool    `json:"cleared,omitempty"`
}

type changeEnvelope struct {
	Change Change `json:"change"`
}

func EncodeChange(c Change) ([]byte, error) {
	return json.Marshal(changeEnvelope{Change: c})
}

type MessageKind int

const (
	KindUnknown MessageKind = iota
	KindReady
	KindResponse
	KindChange
	KindRequest
)

// Message is a decoded inbound frame. Exactly one of the payload fields is
// set, according to Kind.
type Message struct {
	Kind     MessageKind
	Ready    bool
	Response Response
	Change   Change
	Request  Request
}

type probeFields struct {
	Ready     *bool           `json:"ready"`
	RequestID *string         `json:"requestId"`
	Method    *string         `json:"method"`
	Change    json.RawMessage `json:"change"`
}

func DecodeMessage(data []byte) (Message, error) {
	var p probeFields
	if err := json.Unmarshal(data, &p); err != nil {
		return Message{}, fmt.Errorf("failed to decode message: %w", err)
	}

	switch {
	case p.Ready != nil:
		return Message{Kind: KindReady, Ready: *p.Ready}, nil
	case len(p.Change) > 0:
		var c Change
		if err := json.Unmarshal(p.Change, &c); err != nil {
			return Message{}, fmt.Errorf("failed to decode change: %w", err)
		}
		return Message{Kind: KindChange, Change: c}, nil
	case p.Method != nil:
		var r Request
		if err := json.Unmarshal(data, &r); err != nil {
			return Message{}, fmt.Errorf("failed to decode request: %w", err)
		}
		return Message{Kind: KindRequest, Request: r}, nil
	case p.RequestID != nil:
		var r Response
		if err := json.Unmarshal(data, &r); err != nil {
			return Message{}, fmt.Errorf("failed to decode response: %w", err)
		}
		return Message{Kind: KindResponse, Response: r}, nil
	}

	return Message{}, ErrUnknownMessage
}

// Source records where a result came from, so callers can tell real
// cross-origin propagation apart from silent degradation.
type Source string

const (
	SourceBridge        Source = "bridge"
	SourceLocalFallback Source = "local-fallback"
)

type Result struct {
	Value  string
	Found  bool
	Keys   []string
	Source Source
}

// ResultFrom converts a raw protocol result into a Result for the given method.
func ResultFrom(method Method, raw any, source Source) (Result, error) {
	res := Result{Source: source}
	switch method {
	case MethodGetItem:
		switch v := raw.(type) {
		case nil:
		case string:
			res.Value, res.Found = v, true
		default:
			return res, fmt.Errorf("getItem: unexpected result type %T", raw)
		}
	case MethodGetAllKeys:
		switch v := raw.(type) {
		case nil:
		case []string:
			res.Keys = v
		case []any:
			res.Keys = make([]string, 0, len(v))
			for _, k := range v {
				s, ok := k.(string)
				if !ok {
					return res, fmt.Errorf("getAllKeys: unexpected key type %T", k)
				}
				res.Keys = append(res.Keys, s)
			}
		default:
			return res, fmt.Errorf("getAllKeys: unexpected result type %T", raw)
		}
	}
	return res, nil
}
