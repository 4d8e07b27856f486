package engine

import (
	"context"
	"encoding/json"
	"reflect"
	"strings"
	"sync"

	"github.com/andresmejia3/identity/internal/config"
	"github.com/andresmejia3/identity/internal/types"
	"github.com/rs/zerolog"
)

// Command names. Transports see them with the configured prefix.
const (
	CmdCount    = "count"
	CmdHas      = "has"
	CmdEnroll   = "enroll"
	CmdRemove   = "remove"
	CmdClear    = "clear"
	CmdIdentify = "identify"
)

// Handler runs one command. Returning nil or false signals failure; any other
// value is wrapped into a successful Response.
type Handler func(ctx context.Context, payload json.RawMessage) any

// Response is the envelope sent back to a caller. It always carries "success".
type Response map[string]any

// Success reports the envelope's success flag.
func (r Response) Success() bool {
	ok, _ := r["success"].(bool)
	return ok
}

// Registry maps command names to handlers.
type Registry struct {
	mu       sync.RWMutex
	prefix   string
	handlers map[string]Handler
	order    []string
	log      zerolog.Logger
}

func newRegistry(prefix string, log zerolog.Logger) *Registry {
	return &Registry{
		prefix:   prefix,
		handlers: make(map[string]Handler),
		log:      log,
	}
}

// Register adds name. A duplicate is logged and the first handler kept.
func (r *Registry) Register(name string, h Handler) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.handlers[name]; ok {
		r.log.Warn().Str("command", name).Msg("duplicate command registration skipped")
		return false
	}
	r.handlers[name] = h
	r.order = append(r.order, name)
	return true
}

// Names returns the externally visible command names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, len(r.order))
	for i, n := range r.order {
		names[i] = r.qualify(n)
	}
	return names
}

func (r *Registry) qualify(name string) string {
	if r.prefix == "" {
		return name
	}
	return r.prefix + "-" + name
}

func (r *Registry) lookup(name string) (Handler, bool) {
	if r.prefix != "" {
		trimmed, ok := strings.CutPrefix(name, r.prefix+"-")
		if !ok {
			return nil, false
		}
		name = trimmed
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	return h, ok
}

// Dispatch runs the named command and wraps its result. The bool is false when
// the name is not registered, in which case nothing should be sent back.
func (r *Registry) Dispatch(ctx context.Context, name string, payload json.RawMessage) (Response, bool) {
	h, ok := r.lookup(name)
	if !ok {
		r.log.Debug().Str("command", name).Msg("command not recognized")
		return nil, false
	}
	return wrap(h(ctx, payload)), true
}

// wrap builds the response envelope: bool becomes {success}, maps and structs
// are flattened next to success, anything else lands under data, nil fails.
func wrap(v any) Response {
	if isNil(v) {
		return Response{"success": false}
	}
	switch t := v.(type) {
	case bool:
		return Response{"success": t}
	case Response:
		out := Response{"success": true}
		for k, val := range t {
			out[k] = val
		}
		return out
	case map[string]any:
		out := Response{"success": true}
		for k, val := range t {
			out[k] = val
		}
		return out
	}

	rv := reflect.Indirect(reflect.ValueOf(v))
	if rv.Kind() == reflect.Struct {
		raw, err := json.Marshal(v)
		if err == nil {
			out := Response{}
			if err := json.Unmarshal(raw, &out); err == nil {
				out["success"] = true
				return out
			}
		}
	}
	return Response{"success": true, "data": v}
}

func isNil(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Interface, reflect.Func, reflect.Chan:
		return rv.IsNil()
	}
	return false
}

type idPayload struct {
	ID string `json:"id"`
}

type enrollPayload struct {
	ID      string         `json:"id"`
	Feature types.Template `json:"feature"`
}

type identifyPayload struct {
	Ref     string         `json:"ref"`
	Feature types.Template `json:"feature"`
}

// registerCommands installs ALL plus the group for mode; ALL registers everything.
func (e *Engine) registerCommands(mode string) {
	r := e.commands

	r.Register(CmdCount, func(context.Context, json.RawMessage) any {
		return e.Count()
	})
	r.Register(CmdHas, func(_ context.Context, payload json.RawMessage) any {
		var p idPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return false
		}
		return e.Has(p.ID)
	})

	if mode == config.ModeAll || mode == config.ModeBridge {
		r.Register(CmdEnroll, func(ctx context.Context, payload json.RawMessage) any {
			var p enrollPayload
			if err := json.Unmarshal(payload, &p); err != nil {
				e.log.Warn().Err(err).Msg("bad enroll payload")
				return false
			}
			ok, err := e.Enroll(ctx, p.ID, p.Feature)
			if err != nil {
				e.log.Error().Err(err).Str("template", p.ID).Msg("enroll failed")
				return false
			}
			return ok
		})
		r.Register(CmdRemove, func(ctx context.Context, payload json.RawMessage) any {
			var p idPayload
			if err := json.Unmarshal(payload, &p); err != nil {
				return false
			}
			ok, err := e.Remove(ctx, p.ID)
			if err != nil {
				e.log.Error().Err(err).Str("template", p.ID).Msg("remove failed")
			}
			return ok
		})
		r.Register(CmdClear, func(ctx context.Context, _ json.RawMessage) any {
			if err := e.Clear(ctx); err != nil {
				e.log.Error().Err(err).Msg("clear failed")
				return false
			}
			return true
		})
	}

	if mode == config.ModeAll || mode == config.ModeVerifier {
		r.Register(CmdIdentify, func(ctx context.Context, payload json.RawMessage) any {
			var p identifyPayload
			if err := json.Unmarshal(payload, &p); err != nil || len(p.Feature) == 0 {
				e.log.Warn().Err(err).Msg("bad identify payload")
				return nil
			}
			res, err := e.Identify(ctx, p.Ref, p.Feature)
			if err != nil {
				e.log.Warn().Err(err).Str("ref", p.Ref).Msg("identify failed")
				return nil
			}
			return res
		})
	}
}
