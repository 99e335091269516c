package router

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"github.com/xeipuuv/gojsonschema"

	"rssmcp/internal/metrics"
	"rssmcp/internal/protocol"
)

var (
	ErrToolNotFound     = errors.New("tool not found")
	ErrResourceNotFound = errors.New("resource not found")
	ErrUnknownRequest   = errors.New("unknown request type")
	ErrInvalidParams    = errors.New("invalid params")
	ErrInvalidSchema    = errors.New("invalid parameter schema")
)

// Handler implements one tool or resource. params is the raw parameter
// object, already validated against the registered schema.
type Handler func(ctx context.Context, params json.RawMessage) (any, error)

// Capability is the advertised description of a tool or resource.
type Capability struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

type registration struct {
	capability Capability
	schema     *gojsonschema.Schema
	handler    Handler
}

type Router struct {
	name    string
	version string
	logger  zerolog.Logger
	metrics *metrics.Metrics

	mu        sync.RWMutex
	tools     map[string]registration
	resources map[string]registration
}

type Option func(*Router)

func WithLogger(l zerolog.Logger) Option { return func(rt *Router) { rt.logger = l } }

func WithMetrics(m *metrics.Metrics) Option { return func(rt *Router) { rt.metrics = m } }

func New(name, version string, opts ...Option) *Router {
	rt := &Router{
		name:      name,
		version:   version,
		logger:    zerolog.Nop(),
		tools:     make(map[string]registration),
		resources: make(map[string]registration),
	}
	for _, opt := range opts {
		opt(rt)
	}
	return rt
}

// RegisterTool adds or replaces a tool. params is a JSON Schema object; nil
// means an object with no declared properties.
func (rt *Router) RegisterTool(name, description string, params map[string]any, h Handler) error {
	return rt.register(rt.tools, name, description, params, h)
}

// RegisterResource adds or replaces a resource.
func (rt *Router) RegisterResource(name, description string, params map[string]any, h Handler) error {
	return rt.register(rt.resources, name, description, params, h)
}

func (rt *Router) register(into map[string]registration, name, description string, params map[string]any, h Handler) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("register: name is required")
	}
	if h == nil {
		return fmt.Errorf("register %s: nil handler", name)
	}
	if params == nil {
		params = map[string]any{"type": "object", "properties": map[string]any{}}
	}
	schema, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(params))
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidSchema, name, err)
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()
	into[name] = registration{
		capability: Capability{Name: name, Description: description, Parameters: params},
		schema:     schema,
		handler:    h,
	}
	return nil
}

// Tools lists registered tools sorted by name.
func (rt *Router) Tools() []Capability {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	return sortedCapabilities(rt.tools)
}

// Resources lists registered resources sorted by name.
func (rt *Router) Resources() []Capability {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	return sortedCapabilities(rt.resources)
}

func sortedCapabilities(in map[string]registration) []Capability {
	out := make([]Capability, 0, len(in))
	for _, reg := range in {
		out = append(out, reg.capability)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Capabilities is the full capability table keyed by name.
func (rt *Router) Capabilities() map[string]any {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	table := func(in map[string]registration) map[string]any {
		out := make(map[string]any, len(in))
		for name, reg := range in {
			out[name] = map[string]any{
				"description": reg.capability.Description,
				"parameters":  reg.capability.Parameters,
			}
		}
		return out
	}
	return map[string]any{"tools": table(rt.tools), "resources": table(rt.resources)}
}

// Dispatch answers one request. It always returns exactly one response;
// handler errors and panics become error responses.
func (rt *Router) Dispatch(ctx context.Context, req protocol.Request) (resp protocol.Response) {
	logger := rt.logger.With().Str("type", req.Type).Str("name", req.Name).Logger()
	defer func() {
		if p := recover(); p != nil {
			logger.Error().Interface("panic", p).Msg("handler panicked")
			resp = protocol.ErrorResponse(req.ID, fmt.Errorf("internal error: %v", p))
		}
		if resp.IsError() {
			logger.Debug().Str("error", resp.Error).Msg("request failed")
		}
		rt.metrics.Request(metricType(req.Type), resp.IsError())
	}()

	switch req.Type {
	case "", protocol.TypeInitialize:
		return protocol.ResultResponse(req, protocol.ResultInitialize, map[string]any{
			"name":    rt.name,
			"version": rt.version,
		})
	case protocol.TypeCapabilities:
		return protocol.ResultResponse(req, protocol.ResultCapabilities, map[string]any{
			"capabilities": rt.Capabilities(),
		})
	case protocol.TypeToolsList:
		return protocol.ResultResponse(req, protocol.ResultToolsList, map[string]any{
			"tools": rt.Tools(),
		})
	case protocol.TypeTool:
		return rt.invoke(ctx, req, rt.tools, ErrToolNotFound, protocol.ResultTool)
	case protocol.TypeResource:
		return rt.invoke(ctx, req, rt.resources, ErrResourceNotFound, protocol.ResultResource)
	default:
		return protocol.ErrorResponse(req.ID, fmt.Errorf("%w: %s", ErrUnknownRequest, req.Type))
	}
}

func (rt *Router) invoke(ctx context.Context, req protocol.Request, table map[string]registration, notFound error, resultType string) protocol.Response {
	if req.Name == "" {
		return protocol.ErrorResponse(req.ID, fmt.Errorf("%w: name is required", ErrInvalidParams))
	}
	rt.mu.RLock()
	reg, ok := table[req.Name]
	rt.mu.RUnlock()
	if !ok {
		return protocol.ErrorResponse(req.ID, fmt.Errorf("%w: %s", notFound, req.Name))
	}

	params := req.Params
	if len(params) == 0 {
		params = json.RawMessage(`{}`)
	}
	if err := validate(reg.schema, params); err != nil {
		return protocol.ErrorResponse(req.ID, err)
	}

	out, err := reg.handler(ctx, params)
	if err != nil {
		return protocol.ErrorResponse(req.ID, err)
	}
	return protocol.ResultResponse(req, resultType, map[string]any{
		"name":   req.Name,
		"result": out,
	})
}

func validate(schema *gojsonschema.Schema, params json.RawMessage) error {
	res, err := schema.Validate(gojsonschema.NewBytesLoader(params))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}
	if res.Valid() {
		return nil
	}
	msgs := make([]string, 0, len(res.Errors()))
	for _, e := range res.Errors() {
		msgs = append(msgs, e.String())
	}
	return fmt.Errorf("%w: %s", ErrInvalidParams, strings.Join(msgs, "; "))
}

// metricType bounds label cardinality to the known request types.
func metricType(t string) string {
	switch t {
	case "", protocol.TypeInitialize:
		return protocol.TypeInitialize
	case protocol.TypeCapabilities, protocol.TypeToolsList, protocol.TypeTool, protocol.TypeResource:
		return t
	default:
		return "unknown"
	}
}

// Bind decodes a parameter object into T.
func Bind[T any](params json.RawMessage) (T, error) {
	var v T
	if len(params) == 0 {
		return v, nil
	}
	dec := json.NewDecoder(bytes.NewReader(params))
	if err := dec.Decode(&v); err != nil {
		return v, fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}
	return v, nil
}
