package graphql

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/vektah/gqlparser/v2"
	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/gqlerror"
	"github.com/vektah/gqlparser/v2/validator"
	"golang.org/x/sync/errgroup"

	"github.com/hanpama/sysinfo/internal/coord"
	"github.com/hanpama/sysinfo/internal/hub"
	"github.com/hanpama/sysinfo/internal/schema"
	"github.com/hanpama/sysinfo/internal/sysinfo"
)

// collected is one response key of a selection set. Fields sharing a
// response key are merged, as the validator guarantees they are compatible.
type collected struct {
	key    string
	name   string
	typ    string
	fields []*ast.Field
}

func (c *collected) position() *ast.Position { return c.fields[0].Position }

func (c *collected) children(vars map[string]any) []*collected {
	sets := make([]ast.SelectionSet, 0, len(c.fields))
	for _, f := range c.fields {
		if len(f.SelectionSet) > 0 {
			sets = append(sets, f.SelectionSet)
		}
	}
	if len(sets) == 0 {
		return nil
	}
	return collectFields(sets, vars)
}

func collectFields(sets []ast.SelectionSet, vars map[string]any) []*collected {
	var out []*collected
	byKey := map[string]*collected{}
	var walk func(ast.SelectionSet)
	walk = func(set ast.SelectionSet) {
		for _, sel := range set {
			switch s := sel.(type) {
			case *ast.Field:
				if !included(s.Directives, vars) {
					continue
				}
				key := s.Alias
				if key == "" {
					key = s.Name
				}
				if c, ok := byKey[key]; ok {
					c.fields = append(c.fields, s)
					continue
				}
				typ := ""
				if s.ObjectDefinition != nil {
					typ = s.ObjectDefinition.Name
				}
				c := &collected{key: key, name: s.Name, typ: typ, fields: []*ast.Field{s}}
				byKey[key] = c
				out = append(out, c)
			case *ast.InlineFragment:
				if included(s.Directives, vars) {
					walk(s.SelectionSet)
				}
			case *ast.FragmentSpread:
				if included(s.Directives, vars) && s.Definition != nil {
					walk(s.Definition.SelectionSet)
				}
			}
		}
	}
	for _, set := range sets {
		walk(set)
	}
	return out
}

func included(dirs ast.DirectiveList, vars map[string]any) bool {
	if d := dirs.ForName("skip"); d != nil {
		if skip, _ := d.ArgumentMap(vars)["if"].(bool); skip {
			return false
		}
	}
	if d := dirs.ForName("include"); d != nil {
		if inc, _ := d.ArgumentMap(vars)["if"].(bool); !inc {
			return false
		}
	}
	return true
}

func (h *Handler) executeOne(ctx context.Context, req Request, mutable bool) response {
	doc, errs := gqlparser.LoadQuery(h.schema, req.Query)
	if len(errs) > 0 {
		return response{Errors: errs}
	}

	op := doc.Operations.ForName(req.OperationName)
	if op == nil {
		if req.OperationName != "" || len(doc.Operations) != 1 {
			return errorResponse(gqlerror.Errorf("operation %q not found", req.OperationName))
		}
		op = doc.Operations[0]
	}
	switch op.Operation {
	case ast.Query:
	case ast.Mutation:
		if !mutable {
			return errorResponse(gqlerror.Errorf("mutations require POST"))
		}
	default:
		return errorResponse(gqlerror.Errorf("only query and mutation operations are supported"))
	}

	vars, err := validator.VariableValues(h.schema, op, req.Variables)
	if err != nil {
		var gerr *gqlerror.Error
		if errors.As(err, &gerr) {
			return errorResponse(gerr)
		}
		return errorResponse(gqlerror.Wrap(err))
	}

	roots := collectFields([]ast.SelectionSet{op.SelectionSet}, vars)
	if op.Operation == ast.Mutation {
		return h.executeMutation(ctx, roots, vars)
	}
	values := h.resolveRoots(ctx, roots)

	data := newObject(len(roots))
	var out gqlerror.List
	nullData := false
	for _, c := range roots {
		switch c.name {
		case "__typename":
			data.set(c.key, "Query")
			continue
		case "__schema", "__type":
			out = append(out, fieldError(c, errIntrospection))
			data.set(c.key, nil)
			continue
		}
		v := values[c.name]
		if v.err != nil {
			out = append(out, fieldError(c, v.err))
			if c.name == schema.StatsField {
				nullData = true
			}
			data.set(c.key, nil)
			continue
		}
		data.set(c.key, project(v.value, c.children(vars), vars))
	}
	if nullData {
		return response{Errors: out}
	}
	return response{Data: data, Errors: out}
}

var (
	errIntrospection = errors.New("introspection is not supported")
	errNotEnabled    = errors.New("storage management is not enabled")
)

// executeMutation runs the root fields one after another. Every mutation
// result is non-null, so the first field error nulls data and stops the
// remaining fields.
func (h *Handler) executeMutation(ctx context.Context, roots []*collected, vars map[string]any) response {
	data := newObject(len(roots))
	for _, c := range roots {
		if c.name == "__typename" {
			data.set(c.key, "Mutation")
			continue
		}
		v, err := h.mutate(ctx, c, vars)
		if err != nil {
			return response{Errors: gqlerror.List{fieldError(c, err)}}
		}
		data.set(c.key, v)
	}
	return response{Data: data}
}

func (h *Handler) mutate(ctx context.Context, c *collected, vars map[string]any) (any, error) {
	id, _ := c.fields[0].ArgumentMap(vars)["id"].(string)
	if c.name == schema.EjectDeviceField {
		if h.opt.Ejector == nil {
			return nil, errNotEnabled
		}
		err := h.opt.Ejector.Eject(ctx, id)
		res := sysinfo.EjectResultOf(err)
		if res == sysinfo.EjectFailure {
			if errorCode(err) != "INTERNAL" {
				return nil, err
			}
			h.opt.Logger.Warn("eject failed", "id", id, "error", err)
		}
		return strings.ToUpper(string(res)), nil
	}

	if h.opt.Watches == nil {
		return nil, errNotEnabled
	}
	switch c.name {
	case schema.AddWatchField:
		if err := h.opt.Watches.Add(ctx, id); err != nil {
			return nil, err
		}
		return true, nil
	case schema.RemoveWatchField:
		return h.opt.Watches.Remove(id), nil
	case schema.RemoveAllWatchesField:
		h.opt.Watches.RemoveAll()
		return true, nil
	}
	return nil, fmt.Errorf("unknown mutation %q", c.name)
}

type rootValue struct {
	value any
	err   error
}

// resolveRoots fetches every distinct root field once, concurrently. Aliased
// repeats of a field share the same request.
func (h *Handler) resolveRoots(ctx context.Context, roots []*collected) map[string]rootValue {
	var names []string
	seen := map[string]bool{}
	for _, c := range roots {
		if seen[c.name] || c.name == "__typename" || c.name == "__schema" || c.name == "__type" {
			continue
		}
		seen[c.name] = true
		names = append(names, c.name)
	}

	results := make([]rootValue, len(names))
	var g errgroup.Group
	for i, name := range names {
		i, name := i, name
		g.Go(func() error {
			v, err := h.fetch(ctx, name)
			results[i] = rootValue{value: v, err: err}
			return nil
		})
	}
	_ = g.Wait()

	out := make(map[string]rootValue, len(names))
	for i, name := range names {
		out[name] = results[i]
	}
	return out
}

func (h *Handler) fetch(ctx context.Context, field string) (any, error) {
	if field == schema.WatchesField {
		out := []any{}
		if h.opt.Watches != nil {
			for _, id := range h.opt.Watches.List() {
				out = append(out, id)
			}
		}
		return out, nil
	}
	if field == schema.StatsField {
		stats, err := h.src.Stats(ctx)
		if err != nil {
			return nil, err
		}
		return statsValue(stats), nil
	}
	payload, err := h.src.Get(ctx, hub.Kind(field))
	if err != nil {
		return nil, err
	}
	return toGeneric(payload)
}

// toGeneric turns a payload into maps and slices keyed by JSON name.
func toGeneric(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}

func statsValue(stats []coord.Stats) []any {
	out := make([]any, len(stats))
	for i, s := range stats {
		out[i] = map[string]any{
			"name":      s.Name,
			"state":     s.State.String(),
			"pending":   s.Pending,
			"cycles":    s.Cycles,
			"failures":  s.Failures,
			"delivered": s.Delivered,
		}
	}
	return out
}

func project(v any, sel []*collected, vars map[string]any) any {
	switch t := v.(type) {
	case nil:
		return nil
	case []any:
		out := make([]any, len(t))
		for i := range t {
			out[i] = project(t[i], sel, vars)
		}
		return out
	case map[string]any:
		obj := newObject(len(sel))
		for _, c := range sel {
			if c.name == "__typename" {
				obj.set(c.key, c.typ)
				continue
			}
			obj.set(c.key, project(t[c.name], c.children(vars), vars))
		}
		return obj
	default:
		return v
	}
}

func fieldError(c *collected, err error) *gqlerror.Error {
	e := gqlerror.ErrorPosf(c.position(), "%s", err.Error())
	e.Err = err
	e.Path = ast.Path{ast.PathName(c.key)}
	e.Extensions = map[string]any{"code": errorCode(err)}
	return e
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, hub.ErrQueryFailed):
		return "QUERY_FAILED"
	case errors.Is(err, context.DeadlineExceeded):
		return "TIMEOUT"
	case errors.Is(err, coord.ErrPendingLimit):
		return "BUSY"
	case errors.Is(err, hub.ErrClosed):
		return "UNAVAILABLE"
	case errors.Is(err, sysinfo.ErrUnknownUnit):
		return "NOT_FOUND"
	case errors.Is(err, errIntrospection), errors.Is(err, errNotEnabled):
		return "UNSUPPORTED"
	default:
		return "INTERNAL"
	}
}

// object is a JSON object that keeps insertion order.
type object struct {
	keys []string
	vals map[string]any
}

func newObject(n int) *object {
	return &object{keys: make([]string, 0, n), vals: make(map[string]any, n)}
}

func (o *object) set(k string, v any) {
	if _, ok := o.vals[k]; !ok {
		o.keys = append(o.keys, k)
	}
	o.vals[k] = v
}

func (o *object) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range o.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		buf.Write(kb)
		buf.WriteByte(':')
		vb, err := json.Marshal(o.vals[k])
		if err != nil {
			return nil, err
		}
		buf.Write(vb)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}
