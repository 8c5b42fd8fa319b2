// Package graphql serves the sysinfo schema over HTTP.
package graphql

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/gqlerror"

	"github.com/hanpama/sysinfo/internal/coord"
	eventbus "github.com/hanpama/sysinfo/internal/eventbus"
	events "github.com/hanpama/sysinfo/internal/events"
	"github.com/hanpama/sysinfo/internal/hub"
	reqid "github.com/hanpama/sysinfo/internal/reqid"
	"github.com/hanpama/sysinfo/internal/schema"
)

// Source provides the data behind the root fields. *hub.Hub implements it.
type Source interface {
	Get(ctx context.Context, kind hub.Kind) (any, error)
	Stats(ctx context.Context) ([]coord.Stats, error)
}

// Watches manages the storage watch set. *watch.Watcher implements it.
type Watches interface {
	Add(ctx context.Context, id string) error
	Remove(id string) bool
	List() []string
	RemoveAll()
}

// Ejector unmounts storage units. *hub.Hub implements it.
type Ejector interface {
	Eject(ctx context.Context, id string) error
}

// RequestIDHeader carries the request id in both directions.
const RequestIDHeader = "X-Request-Id"

// Handler is an http.Handler that serves a GraphQL endpoint.
type Handler struct {
	src    Source
	schema *ast.Schema
	opt    Options
}

// Options configures a Handler.
//
// Defaults:
// - Timeout:      10s, applied only when the request context has no deadline
// - MaxBodyBytes: 1 MiB
type Options struct {
	Timeout      time.Duration
	Pretty       bool
	MaxBodyBytes int64
	// If AllowedOrigins is empty, CORS is disabled.
	AllowedOrigins []string
	Logger         *slog.Logger
	// Watches and Ejector back the storage mutations. Mutations on an
	// unset one fail with an UNSUPPORTED error.
	Watches Watches
	Ejector Ejector
}

type Option func(*Options)

func WithTimeout(d time.Duration) Option { return func(o *Options) { o.Timeout = d } }
func WithPretty(pretty bool) Option      { return func(o *Options) { o.Pretty = pretty } }
func WithMaxBodyBytes(n int64) Option    { return func(o *Options) { o.MaxBodyBytes = n } }
func WithCORS(origins ...string) Option  { return func(o *Options) { o.AllowedOrigins = origins } }
func WithLogger(l *slog.Logger) Option   { return func(o *Options) { o.Logger = l } }
func WithWatches(w Watches) Option       { return func(o *Options) { o.Watches = w } }
func WithEjector(e Ejector) Option       { return func(o *Options) { o.Ejector = e } }

// New creates a handler answering queries from src.
func New(src Source, opts ...Option) (*Handler, error) {
	sch, err := schema.Load()
	if err != nil {
		return nil, err
	}
	op := Options{Timeout: 10 * time.Second, MaxBodyBytes: 1 << 20}
	for _, f := range opts {
		f(&op)
	}
	if op.Logger == nil {
		op.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Handler{src: src, schema: sch, opt: op}, nil
}

// NewMux routes /graphql to h and /healthz to a liveness check of the source.
func NewMux(h *Handler) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/graphql", h)
	mux.HandleFunc("/healthz", h.serveHealth)
	return mux
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if _, ok := ctx.Deadline(); !ok && h.opt.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.opt.Timeout)
		defer cancel()
	}

	ctx, rid := reqid.WithID(ctx, r.Header.Get(RequestIDHeader))
	w.Header().Set(RequestIDHeader, rid)
	status := http.StatusOK
	start := time.Now()
	eventbus.Publish(ctx, events.HTTPStart{Request: r})
	defer func() {
		eventbus.Publish(ctx, events.HTTPFinish{Request: r, Status: status, Duration: time.Since(start)})
	}()

	if len(h.opt.AllowedOrigins) > 0 {
		setCORSHeaders(w, r, h.opt.AllowedOrigins)
	}

	if r.Method == http.MethodOptions {
		status = http.StatusNoContent
		w.WriteHeader(status)
		return
	}
	if r.Method != http.MethodPost && r.Method != http.MethodGet {
		status = http.StatusMethodNotAllowed
		writeJSON(w, status, errorResponse(gqlerror.Errorf("method not allowed")), h.opt.Pretty)
		return
	}

	req, batch, berr := parseRequest(r, h.opt.MaxBodyBytes)
	if berr != nil {
		status = http.StatusBadRequest
		if berr.Message == errBodyTooLargeMessage {
			status = http.StatusRequestEntityTooLarge
		}
		writeJSON(w, status, errorResponse(berr), h.opt.Pretty)
		return
	}

	// Mutations are only accepted over POST.
	mutable := r.Method == http.MethodPost
	if batch != nil {
		out := make([]response, len(batch))
		for i := range batch {
			out[i] = h.executeOne(ctx, batch[i], mutable)
		}
		writeJSON(w, status, out, h.opt.Pretty)
		return
	}
	writeJSON(w, status, h.executeOne(ctx, req, mutable), h.opt.Pretty)
}

func (h *Handler) serveHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), time.Second)
	defer cancel()
	if _, err := h.src.Stats(ctx); err != nil {
		h.opt.Logger.Warn("health check failed", "error", err)
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = io.WriteString(w, "ok\n")
}

// Request is one GraphQL request in the usual JSON envelope.
type Request struct {
	Query         string         `json:"query"`
	OperationName string         `json:"operationName,omitempty"`
	Variables     map[string]any `json:"variables,omitempty"`
}

func parseRequest(r *http.Request, maxBody int64) (Request, []Request, *gqlerror.Error) {
	if r.Method == http.MethodGet {
		q := r.URL.Query().Get("query")
		if q == "" {
			return Request{}, nil, gqlerror.Errorf("missing 'query'")
		}
		vars := map[string]any{}
		if v := r.URL.Query().Get("variables"); v != "" {
			if err := json.Unmarshal([]byte(v), &vars); err != nil {
				return Request{}, nil, gqlerror.Errorf("invalid 'variables' JSON")
			}
		}
		return Request{Query: q, Variables: vars, OperationName: r.URL.Query().Get("operationName")}, nil, nil
	}

	ct := r.Header.Get("Content-Type")
	if ct != "" && ct != "application/json" && !strings.HasPrefix(ct, "application/json;") {
		return Request{}, nil, gqlerror.Errorf("unsupported Content-Type")
	}
	defer r.Body.Close()
	reader := io.Reader(r.Body)
	if maxBody > 0 {
		reader = io.LimitReader(r.Body, maxBody+1)
	}
	body, err := io.ReadAll(reader)
	if err != nil {
		return Request{}, nil, gqlerror.Errorf("failed to read body")
	}
	if maxBody > 0 && int64(len(body)) > maxBody {
		return Request{}, nil, gqlerror.Errorf(errBodyTooLargeMessage)
	}

	if len(body) > 0 && body[0] == '[' {
		var arr []Request
		if err := json.Unmarshal(body, &arr); err != nil {
			return Request{}, nil, gqlerror.Errorf("invalid JSON")
		}
		if len(arr) == 0 {
			return Request{}, nil, gqlerror.Errorf("empty batch")
		}
		return Request{}, arr, nil
	}
	var req Request
	if err := json.Unmarshal(body, &req); err != nil {
		return Request{}, nil, gqlerror.Errorf("invalid JSON")
	}
	if req.Query == "" {
		return Request{}, nil, gqlerror.Errorf("missing 'query'")
	}
	return req, nil, nil
}

const errBodyTooLargeMessage = "body too large"

type response struct {
	Data   any           `json:"data"`
	Errors gqlerror.List `json:"errors,omitempty"`
}

func errorResponse(err *gqlerror.Error) response {
	return response{Errors: gqlerror.List{err}}
}

func writeJSON(w http.ResponseWriter, status int, v any, pretty bool) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	if pretty {
		enc.SetIndent("", "  ")
	}
	_ = enc.Encode(v)
}

func setCORSHeaders(w http.ResponseWriter, r *http.Request, allowed []string) {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return
	}
	wildcard := false
	match := false
	for _, o := range allowed {
		if o == "*" {
			wildcard = true
		}
		if o == "*" || o == origin {
			match = true
		}
	}
	if !match {
		return
	}
	if wildcard {
		w.Header().Set("Access-Control-Allow-Origin", "*")
	} else {
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Add("Vary", "Origin")
	}
	if r.Method == http.MethodOptions {
		if hdr := r.Header.Get("Access-Control-Request-Headers"); hdr != "" {
			w.Header().Set("Access-Control-Allow-Headers", hdr)
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
	}
}
