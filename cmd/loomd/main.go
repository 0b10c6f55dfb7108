// Command loomd runs workflow executions from the command line: start a
// workflow file, inspect and retry stored executions, and sweep retention.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/loomworks/loom/internal/binstore"
	"github.com/loomworks/loom/internal/credentials"
	"github.com/loomworks/loom/internal/engine"
	"github.com/loomworks/loom/internal/logging"
	"github.com/loomworks/loom/internal/nodes"
	"github.com/loomworks/loom/internal/reaper"
	"github.com/loomworks/loom/internal/store"
	"github.com/loomworks/loom/internal/xjson"
	"github.com/loomworks/loom/pkg/schema"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	cfg := loadConfig()
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger, os.Args[1], os.Args[2:]); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg Config, logger *slog.Logger, cmd string, args []string) error {
	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	eng, err := newEngine(cfg, st, logger)
	if err != nil {
		return err
	}
	defer eng.Close()

	switch cmd {
	case "run":
		return cmdRun(ctx, eng, args)
	case "get":
		return cmdGet(ctx, eng, args)
	case "list":
		return cmdList(ctx, eng, args)
	case "retry":
		return cmdRetry(ctx, eng, args)
	case "delete":
		return cmdDelete(ctx, eng, args)
	case "sweep":
		return cmdSweep(ctx, cfg, st, logger)
	default:
		usage()
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func openStore(ctx context.Context, cfg Config) (store.Store, error) {
	if err := os.MkdirAll(loomDir(), 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	st, err := store.NewLibSQLStore("file:" + cfg.DBPath)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		st.Close()
		return nil, err
	}
	return st, nil
}

func newEngine(cfg Config, st store.Store, logger *slog.Logger) (*engine.Engine, error) {
	registry := nodes.NewRegistry()
	if err := nodes.RegisterBuiltins(registry, nodes.BuiltinOptions{}); err != nil {
		return nil, err
	}

	binary, err := binstore.NewFSStore(cfg.BinaryDir)
	if err != nil {
		return nil, err
	}

	creds := credentials.NewStaticResolver()
	if cfg.CredentialsPath != "" {
		if err := loadCredentials(creds, cfg.CredentialsPath); err != nil {
			return nil, err
		}
	}

	return engine.New(engine.Options{
		Handlers:    registry,
		Store:       st,
		Credentials: creds,
		Binary:      binary,
		PoolSize:    cfg.PoolSize,
		Logger:      logger,
	})
}

func cmdRun(ctx context.Context, eng *engine.Engine, args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	inputPath := fs.String("input", "", "path to a JSON array of trigger items")
	pinPath := fs.String("pin", "", "path to a JSON object of pinned node data")
	workflowID := fs.String("workflow", "", "workflow identifier recorded on the execution")
	fs.Parse(args)

	if fs.NArg() != 1 {
		return fmt.Errorf("usage: loomd run [flags] workflow.json")
	}

	var g schema.Graph
	if err := readJSONFile(fs.Arg(0), &g); err != nil {
		return fmt.Errorf("read workflow: %w", err)
	}

	var trigger schema.ItemCollection
	if *inputPath != "" {
		if err := readJSONFile(*inputPath, &trigger); err != nil {
			return fmt.Errorf("read input: %w", err)
		}
	}

	var pin schema.PinData
	if *pinPath != "" {
		if err := readJSONFile(*pinPath, &pin); err != nil {
			return fmt.Errorf("read pin data: %w", err)
		}
	}

	id := *workflowID
	if id == "" {
		id = fs.Arg(0)
	}

	rec, err := eng.StartManual(ctx, id, &g, pin, trigger)
	if err != nil {
		return err
	}
	return printJSON(rec)
}

func cmdGet(ctx context.Context, eng *engine.Engine, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: loomd get <execution-id>")
	}
	rec, err := eng.Get(ctx, args[0])
	if err != nil {
		return err
	}
	return printJSON(rec)
}

func cmdList(ctx context.Context, eng *engine.Engine, args []string) error {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	workflowID := fs.String("workflow", "", "filter by workflow identifier")
	status := fs.String("status", "", "filter by execution status")
	limit := fs.Int("limit", 20, "max records")
	fs.Parse(args)

	recs, err := eng.List(ctx, store.Filter{
		WorkflowID: *workflowID,
		Status:     *status,
		Limit:      *limit,
	})
	if err != nil {
		return err
	}
	for _, rec := range recs {
		stopped := "-"
		if rec.StoppedAt != nil {
			stopped = rec.StoppedAt.Format("2006-01-02 15:04:05")
		}
		fmt.Printf("%s  %-8s  %-7s  %s  %s\n", rec.ID, rec.Status, rec.Mode, rec.WorkflowID, stopped)
	}
	return nil
}

func cmdRetry(ctx context.Context, eng *engine.Engine, args []string) error {
	fs := flag.NewFlagSet("retry", flag.ExitOnError)
	reload := fs.Bool("reload", false, "use the current workflow definition instead of the recorded one")
	fs.Parse(args)

	if fs.NArg() != 1 {
		return fmt.Errorf("usage: loomd retry [flags] <execution-id>")
	}
	rec, err := eng.Retry(ctx, fs.Arg(0), *reload)
	if err != nil {
		return err
	}
	return printJSON(rec)
}

func cmdDelete(ctx context.Context, eng *engine.Engine, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: loomd delete <execution-id>")
	}
	return eng.Delete(ctx, args[0])
}

func cmdSweep(ctx context.Context, cfg Config, st store.Store, logger *slog.Logger) error {
	r, err := reaper.New(st, reaper.Options{
		Schedule:  cfg.ReaperSchedule,
		Retention: cfg.Retention(),
		Logger:    logger,
	})
	if err != nil {
		return err
	}
	r.Sweep(ctx)
	return nil
}

func loadCredentials(r *credentials.StaticResolver, path string) error {
	var entries map[string]credentials.Data
	if err := readJSONFile(path, &entries); err != nil {
		return fmt.Errorf("read credentials: %w", err)
	}
	for name, data := range entries {
		r.Set(name, data)
	}
	return nil
}

func readJSONFile(path string, dst any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return xjson.Unmarshal(data, dst)
}

func printJSON(v any) error {
	out, err := xjson.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	inner := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	return slog.New(logging.NewCorrelationHandler(inner))
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: loomd <command> [flags]

commands:
  run      run a workflow file to completion
  get      print one execution record
  list     list stored executions
  retry    re-run a sealed execution
  delete   remove a sealed execution
  sweep    delete executions past the retention window`)
}
