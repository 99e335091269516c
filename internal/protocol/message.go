// Package protocol frames a line-delimited JSON byte stream into requests and
// writes responses back in the dialect the peer speaks.
//
// Two input dialects are accepted on the same stream:
//
//	native:    {"type": "tool", "id": 1, "name": "list_feeds", "params": {...}}
//	enveloped: {"jsonrpc": "2.0", "id": 1, "method": "tool", "params": {"name": ..., "params": {...}}}
//
// The enveloped marker may also be spelled "protocol". Once a session has seen
// one enveloped message every later response is enveloped too.
package protocol

import (
	"encoding/json"
	"errors"
)

const (
	TypeInitialize   = "initialize"
	TypeCapabilities = "capabilities"
	TypeToolsList    = "tools/list"
	TypeTool         = "tool"
	TypeResource     = "resource"
)

const (
	ResultInitialize   = "initialize_result"
	ResultCapabilities = "capabilities_result"
	ResultToolsList    = "tools/list_result"
	ResultTool         = "tool_result"
	ResultResource     = "resource_result"
	ResultError        = "error"
)

// InternalErrorCode is the only error code written in the enveloped dialect.
const InternalErrorCode = -32603

var ErrParse = errors.New("parse error")

// Request is a dialect-neutral inbound message.
type Request struct {
	Type   string
	ID     json.RawMessage
	Name   string
	Params json.RawMessage
	// Synthetic marks the default handshake generated by the transport.
	Synthetic bool
}

// IsHandshake reports whether the request opens a session. A missing type is
// treated as a handshake.
func (r Request) IsHandshake() bool {
	return r.Type == "" || r.Type == TypeInitialize
}

// Response is a dialect-neutral outbound message. Result fields are written
// flat next to "type" in the native dialect and under "result" when enveloped.
type Response struct {
	Type   string
	ID     json.RawMessage
	Result map[string]any
	Error  string
}

func ResultResponse(req Request, typ string, result map[string]any) Response {
	return Response{Type: typ, ID: req.ID, Result: result}
}

func ErrorResponse(id json.RawMessage, err error) Response {
	return Response{Type: ResultError, ID: id, Error: err.Error()}
}

func (r Response) IsError() bool { return r.Type == ResultError }

func defaultHandshake() Request {
	return Request{Type: TypeInitialize, Synthetic: true}
}
