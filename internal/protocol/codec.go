package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

const envelopeVersion = "2.0"

var markerKeys = []string{"jsonrpc", "protocol"}

type dialect int

const (
	dialectNative dialect = iota
	dialectEnveloped
)

// inbound is the decoded form of one line: either an enveloped message
// (marker != "") or a native one.
type inbound struct {
	marker string
	fields map[string]json.RawMessage
}

func decodeLine(line []byte) (inbound, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(line, &fields); err != nil {
		return inbound{}, fmt.Errorf("%w: %v", ErrParse, err)
	}
	if fields == nil {
		return inbound{}, fmt.Errorf("%w: message is not an object", ErrParse)
	}
	for _, key := range markerKeys {
		if v, ok := stringField(fields, key); ok && v == envelopeVersion {
			return inbound{marker: key, fields: fields}, nil
		}
	}
	return inbound{fields: fields}, nil
}

func (m inbound) enveloped() bool { return m.marker != "" }

// nativeRequest passes a native message through unchanged.
func (m inbound) nativeRequest() Request {
	return Request{
		Type:   typeField(m.fields["type"]),
		ID:     m.fields["id"],
		Name:   stringOrEmpty(m.fields, "name"),
		Params: nonNull(m.fields["params"]),
	}
}

// envelopedRequest translates an enveloped message. ok is false for
// notifications, which never get a response.
func (m inbound) envelopedRequest() (req Request, ok bool, err error) {
	method, present := stringField(m.fields, "method")
	if !present || method == "" {
		return Request{}, false, fmt.Errorf("invalid request: method is required")
	}
	if strings.HasPrefix(method, "notifications/") {
		return Request{}, false, nil
	}
	req = Request{Type: method, ID: m.fields["id"], Params: nonNull(m.fields["params"])}

	switch method {
	case TypeTool, "tools/call":
		req.Type = TypeTool
		req.Name, req.Params = unwrapCall(req.Params, "arguments")
	case TypeResource, "resources/read":
		req.Type = TypeResource
		req.Name, req.Params = unwrapCall(req.Params, "uri")
	}
	return req, true, nil
}

// unwrapCall splits {"name": ..., "params": {...}} into its parts. alt is the
// secondary key accepted for the inner params (or the name, for "uri").
func unwrapCall(raw json.RawMessage, alt string) (string, json.RawMessage) {
	var call map[string]json.RawMessage
	if err := json.Unmarshal(raw, &call); err != nil || call == nil {
		return "", nil
	}
	name := stringOrEmpty(call, "name")
	if name == "" && alt == "uri" {
		name = stringOrEmpty(call, "uri")
	}
	params := nonNull(call["params"])
	if params == nil && alt == "arguments" {
		params = nonNull(call["arguments"])
	}
	return name, params
}

func stringField(fields map[string]json.RawMessage, key string) (string, bool) {
	raw, ok := fields[key]
	if !ok {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	return s, true
}

func stringOrEmpty(fields map[string]json.RawMessage, key string) string {
	s, _ := stringField(fields, key)
	return s
}

// typeField keeps a non-string type as its JSON text so the router can
// report it as unknown rather than mistaking it for a handshake.
func typeField(raw json.RawMessage) string {
	raw = nonNull(raw)
	if raw == nil {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

func nonNull(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return nil
	}
	return raw
}

// encode renders resp in the given dialect, without the line terminator.
func encode(resp Response, d dialect, marker string) ([]byte, error) {
	if d == dialectEnveloped {
		if marker == "" {
			marker = markerKeys[0]
		}
		out := map[string]any{marker: envelopeVersion, "id": rawOrNull(resp.ID)}
		if resp.IsError() {
			out["error"] = map[string]any{"code": InternalErrorCode, "message": resp.Error}
		} else {
			result := resp.Result
			if result == nil {
				result = map[string]any{}
			}
			out["result"] = result
		}
		return json.Marshal(out)
	}

	out := make(map[string]any, len(resp.Result)+3)
	for k, v := range resp.Result {
		out[k] = v
	}
	out["type"] = resp.Type
	if len(resp.ID) > 0 {
		out["id"] = resp.ID
	}
	if resp.IsError() {
		out["error"] = resp.Error
	}
	return json.Marshal(out)
}

func rawOrNull(id json.RawMessage) json.RawMessage {
	if len(id) == 0 {
		return json.RawMessage("null")
	}
	return id
}
