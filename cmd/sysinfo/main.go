package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/hanpama/sysinfo/internal/config"
	"github.com/hanpama/sysinfo/internal/eventbus"
	"github.com/hanpama/sysinfo/internal/events"
	"github.com/hanpama/sysinfo/internal/graphql"
	"github.com/hanpama/sysinfo/internal/hub"
	"github.com/hanpama/sysinfo/internal/otel"
	"github.com/hanpama/sysinfo/internal/protoreg"
	"github.com/hanpama/sysinfo/internal/rpc"
	"github.com/hanpama/sysinfo/internal/schema"
	"github.com/hanpama/sysinfo/internal/sysinfo"
	"github.com/hanpama/sysinfo/internal/watch"
)

const rootUsage = `sysinfo - coalesced system information service

USAGE:
  sysinfo <command> [flags]

COMMANDS:
  serve        Serve CPU, memory and storage information over GraphQL and gRPC
  probe        Query the local host once and print the result
  query        Query a running sysinfo server over gRPC
  print-sdl    Print the GraphQL schema
  print-proto  Print or write the sysinfo.v1 .proto file
  help         Show help for any command
`

const serveUsage = `serve FLAGS:
  --config <file>              YAML config file (default: $SYSINFO_CONFIG)
  --addr <addr>                GraphQL HTTP listen address, empty to disable (default: :8080)
  --grpc-addr <addr>           gRPC listen address, empty to disable (default: :9090)
  --timeout <duration>         Default request timeout (default: 10s)
  --pretty                     Indent JSON responses
  --workers N                  Worker pool size, 0 for GOMAXPROCS
  --pending-limit N            Max queued requests per coordinator, 0 for unbounded
  --proc-root <dir>            procfs mount point (default: /proc)
  --sys-root <dir>             sysfs mount point (default: /sys)
  --cpu-sample <duration>      CPU usage sample window (default: 250ms)
  --watch-interval <duration>  Storage watch poll interval, 0 to disable (default: 5s)
  --otel-endpoint <addr>       OTLP/gRPC trace endpoint
  --log-level <level>          debug, info, warn or error (default: info)
  --log-format <format>        text or json (default: text)
`

const probeUsage = `probe [kind...] FLAGS:
  Accepts the serve flags that select sources (--config, --proc-root,
  --sys-root, --cpu-sample, --workers) plus:
  --json                       Print JSON instead of text
  Kinds are cpu, memory and storage (default: all).
`

const queryUsage = `query [kind...] FLAGS:
  --target <host:port>         sysinfo gRPC endpoint (default: localhost:9090)
  --timeout <duration>         RPC timeout (default: 3s)
  --json                       Print JSON instead of text
  Kinds are cpu, memory and storage (default: all).
`

const printSDLUsage = `print-sdl FLAGS:
  --out <file>                 Write SDL to file (default: stdout)
`

const printProtoUsage = `print-proto FLAGS:
  --out <dir>                  Write sysinfo/v1/sysinfo.proto under dir (default: stdout)
`

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		log.Fatal(err)
	}
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	if len(args) == 0 {
		fmt.Fprint(stderr, rootUsage)
		return fmt.Errorf("missing command")
	}
	cmd, cmdArgs := args[0], args[1:]
	switch cmd {
	case "serve":
		return cmdServe(ctx, cmdArgs, stderr)
	case "probe":
		return cmdProbe(ctx, cmdArgs, stdout, stderr)
	case "query":
		return cmdQuery(ctx, cmdArgs, stdout, stderr)
	case "print-sdl":
		return cmdPrintSDL(cmdArgs, stdout, stderr)
	case "print-proto":
		return cmdPrintProto(cmdArgs, stdout, stderr)
	case "help", "-h", "--help":
		return cmdHelp(cmdArgs, stdout)
	default:
		fmt.Fprint(stderr, rootUsage)
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func cmdHelp(args []string, stdout io.Writer) error {
	if len(args) == 0 {
		fmt.Fprint(stdout, rootUsage)
		return nil
	}
	switch args[0] {
	case "serve":
		fmt.Fprint(stdout, serveUsage)
	case "probe":
		fmt.Fprint(stdout, probeUsage)
	case "query":
		fmt.Fprint(stdout, queryUsage)
	case "print-sdl":
		fmt.Fprint(stdout, printSDLUsage)
	case "print-proto":
		fmt.Fprint(stdout, printProtoUsage)
	default:
		return fmt.Errorf("unknown help topic %q", args[0])
	}
	return nil
}

func newFlagSet(name string) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}

func hubOptions(cfg *config.Config, logger *slog.Logger) hub.Options {
	return hub.Options{
		Workers:      cfg.Workers.Size,
		PendingLimit: cfg.Coordinator.PendingLimit,
		Logger:       logger,
		Sysinfo: []sysinfo.Option{
			sysinfo.WithProcRoot(cfg.Sysinfo.ProcRoot),
			sysinfo.WithSysRoot(cfg.Sysinfo.SysRoot),
			sysinfo.WithCPUSampleInterval(cfg.Sysinfo.CPUSampleInterval),
		},
	}
}

func cmdServe(ctx context.Context, args []string, stderr io.Writer) error {
	fs := newFlagSet("serve")
	config.RegisterFlags(fs)
	if err := fs.Parse(args); err != nil {
		fmt.Fprint(stderr, serveUsage)
		return err
	}
	cfg, err := config.FromFlags(fs)
	if err != nil {
		return err
	}
	logger, err := cfg.Log.NewLogger(stderr)
	if err != nil {
		return err
	}

	bus := eventbus.New()
	eventbus.Use(bus)
	defer eventbus.Use(nil)
	shutdown, err := otel.Setup(ctx, bus, cfg.OTel.Endpoint, cfg.OTel.Service)
	if err != nil {
		return fmt.Errorf("otel setup: %w", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	h := hub.New(hubOptions(cfg, logger))
	defer h.Close()
	watcher := watch.New(h, watch.WithInterval(cfg.Watch.Interval), watch.WithLogger(logger))

	var httpSrv *http.Server
	var httpLis net.Listener
	if cfg.Server.Addr != "" {
		handler, err := graphql.New(h,
			graphql.WithTimeout(cfg.Server.Timeout),
			graphql.WithPretty(cfg.Server.Pretty),
			graphql.WithMaxBodyBytes(cfg.Server.MaxBodyBytes),
			graphql.WithLogger(logger),
			graphql.WithWatches(watcher),
			graphql.WithEjector(h),
		)
		if err != nil {
			return fmt.Errorf("graphql init: %w", err)
		}
		httpLis, err = net.Listen("tcp", cfg.Server.Addr)
		if err != nil {
			return err
		}
		httpSrv = &http.Server{Handler: graphql.NewMux(handler), ReadHeaderTimeout: 5 * time.Second}
	}

	var grpcSrv *rpc.Server
	var grpcLis net.Listener
	if cfg.Server.GRPCAddr != "" {
		reg, err := protoreg.Build()
		if err != nil {
			return err
		}
		grpcLis, err = net.Listen("tcp", cfg.Server.GRPCAddr)
		if err != nil {
			if httpLis != nil {
				httpLis.Close()
			}
			return err
		}
		grpcSrv = rpc.NewServer(h, reg, rpc.WithServerLogger(logger))
	}

	g, ctx := errgroup.WithContext(ctx)

	if httpSrv != nil {
		g.Go(func() error {
			logger.Info("GraphQL server listening", "addr", httpLis.Addr().String())
			if err := httpSrv.Serve(httpLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return httpSrv.Shutdown(sctx)
		})
	}

	if grpcSrv != nil {
		g.Go(func() error {
			logger.Info("gRPC server listening", "addr", grpcLis.Addr().String())
			return grpcSrv.Serve(grpcLis)
		})
		g.Go(func() error {
			<-ctx.Done()
			grpcSrv.GracefulStop()
			return nil
		})
	}

	if cfg.Watch.Interval > 0 {
		unsubscribe := eventbus.SubscribeTo(bus, func(_ context.Context, e events.StorageAvailableChanged) {
			logger.Info("storage available capacity changed",
				"id", e.ID, "old", humanize.IBytes(e.Old), "new", humanize.IBytes(e.New))
		})
		defer unsubscribe()
		g.Go(func() error {
			if err := watchAll(ctx, h, watcher); err != nil {
				logger.Warn("storage watch disabled", "error", err)
				return nil
			}
			if err := watcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}

	return g.Wait()
}

// watchAll registers every storage unit present at startup.
func watchAll(ctx context.Context, h *hub.Hub, w *watch.Watcher) error {
	st, err := h.Storage(ctx)
	if err != nil {
		return err
	}
	for _, u := range st.Units {
		if err := w.Add(ctx, u.ID); err != nil {
			return err
		}
	}
	return nil
}

// getter is implemented by *hub.Hub and *rpc.Client.
type getter interface {
	Get(ctx context.Context, kind hub.Kind) (any, error)
}

func parseKinds(args []string) ([]hub.Kind, error) {
	if len(args) == 0 {
		return hub.Kinds(), nil
	}
	known := map[hub.Kind]bool{}
	for _, k := range hub.Kinds() {
		known[k] = true
	}
	out := make([]hub.Kind, 0, len(args))
	for _, a := range args {
		k := hub.Kind(strings.ToLower(a))
		if !known[k] {
			return nil, fmt.Errorf("%w: %q", hub.ErrUnknownKind, a)
		}
		out = append(out, k)
	}
	return out, nil
}

// fetch requests every kind concurrently. Requests for one kind coalesce
// inside the hub, so repeated kinds cost a single query.
func fetch(ctx context.Context, src getter, kinds []hub.Kind) ([]any, error) {
	out := make([]any, len(kinds))
	g, ctx := errgroup.WithContext(ctx)
	for i, k := range kinds {
		i, k := i, k
		g.Go(func() error {
			v, err := src.Get(ctx, k)
			if err != nil {
				return err
			}
			out[i] = v
			return nil
		})
	}
	return out, g.Wait()
}

func cmdProbe(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	fs := newFlagSet("probe")
	config.RegisterFlags(fs)
	asJSON := fs.Bool("json", false, "print JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprint(stderr, probeUsage)
		return err
	}
	kinds, err := parseKinds(fs.Args())
	if err != nil {
		return err
	}
	cfg, err := config.FromFlags(fs)
	if err != nil {
		return err
	}
	logger, err := cfg.Log.NewLogger(stderr)
	if err != nil {
		return err
	}

	h := hub.New(hubOptions(cfg, logger))
	defer h.Close()
	values, err := fetch(ctx, h, kinds)
	if err != nil {
		return err
	}
	return printValues(stdout, kinds, values, *asJSON)
}

func cmdQuery(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	fs := newFlagSet("query")
	target := fs.String("target", "localhost:9090", "sysinfo gRPC endpoint")
	timeout := fs.Duration("timeout", 3*time.Second, "RPC timeout")
	asJSON := fs.Bool("json", false, "print JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprint(stderr, queryUsage)
		return err
	}
	kinds, err := parseKinds(fs.Args())
	if err != nil {
		return err
	}
	reg, err := protoreg.Build()
	if err != nil {
		return err
	}
	tp := rpc.NewTransport(
		rpc.WithProvider(rpc.NewStaticEndpoints(map[string][]string{"*": {*target}})),
		rpc.WithRPCTimeout(*timeout),
	)
	defer tp.Close()

	values, err := fetch(ctx, rpc.NewClient(tp, reg), kinds)
	if err != nil {
		return err
	}
	return printValues(stdout, kinds, values, *asJSON)
}

func cmdPrintSDL(args []string, stdout, stderr io.Writer) error {
	fs := newFlagSet("print-sdl")
	out := fs.String("out", "", "write SDL to file")
	if err := fs.Parse(args); err != nil {
		fmt.Fprint(stderr, printSDLUsage)
		return err
	}
	if _, err := schema.Load(); err != nil {
		return fmt.Errorf("schema: %w", err)
	}
	sdl := schema.Render()
	if *out == "" {
		_, err := io.WriteString(stdout, sdl)
		return err
	}
	return os.WriteFile(*out, []byte(sdl), 0o644)
}

func cmdPrintProto(args []string, stdout, stderr io.Writer) error {
	fs := newFlagSet("print-proto")
	out := fs.String("out", "", "output directory")
	if err := fs.Parse(args); err != nil {
		fmt.Fprint(stderr, printProtoUsage)
		return err
	}
	reg, err := protoreg.Build()
	if err != nil {
		return err
	}
	if *out == "" {
		return protoreg.Render(reg, stdout)
	}
	if err := protoreg.RenderFile(reg, *out); err != nil {
		return fmt.Errorf("render proto: %w", err)
	}
	return nil
}

func printValues(w io.Writer, kinds []hub.Kind, values []any, asJSON bool) error {
	if asJSON {
		m := make(map[string]any, len(kinds))
		for i, k := range kinds {
			m[string(k)] = values[i]
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(m)
	}
	for _, v := range values {
		switch info := v.(type) {
		case sysinfo.CPUInfo:
			fmt.Fprintf(w, "cpu:     %s, %s, %d processors, %.1f%% busy\n",
				info.ArchName, info.ModelName, info.NumOfProcessors, info.UsagePercent)
		case sysinfo.MemoryInfo:
			fmt.Fprintf(w, "memory:  %s total, %s available, %s swap\n",
				humanize.IBytes(info.Capacity), humanize.IBytes(info.AvailableCapacity), humanize.IBytes(info.SwapCapacity))
		case sysinfo.StorageInfo:
			fmt.Fprintf(w, "storage: %d units\n", len(info.Units))
			for _, u := range info.Units {
				fmt.Fprintf(w, "  %s (%s, %s, %s) %s total, %s available [%s]\n",
					u.MountPoint, u.Name, u.FSType, u.Type,
					humanize.IBytes(u.Capacity), humanize.IBytes(u.AvailableCapacity), u.ID)
			}
		}
	}
	return nil
}
