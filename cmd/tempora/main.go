// Package main implements the tempora command line tool.
// It runs queries against journaled entities as of a point in time,
// decorates entities with their historic snapshots and exports snapshots to
// object storage.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/tempora/tempora/internal/app"
	"github.com/tempora/tempora/internal/config"
	"github.com/tempora/tempora/internal/filter"
	"github.com/tempora/tempora/internal/projection"
	"github.com/tempora/tempora/pkg/types"
)

var (
	version = "dev"
	commit  = "unknown"
)

// globalFlags are accepted by every subcommand.
type globalFlags struct {
	configFile string
	dataDir    string
	quiet      bool
}

func (g *globalFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&g.configFile, "config", "", "Path to configuration file (YAML or JSON)")
	fs.StringVar(&g.dataDir, "data-dir", "", "Base directory for all data files")
	fs.BoolVar(&g.quiet, "quiet", false, "Suppress log output")
}

func usage() {
	fmt.Fprintf(os.Stderr, "tempora - point-in-time queries over journaled entities\n\n")
	fmt.Fprintf(os.Stderr, "Usage: tempora <command> [options]\n\n")
	fmt.Fprintf(os.Stderr, "Commands:\n")
	fmt.Fprintf(os.Stderr, "  asof      Run a query as of a timestamp and print the rows\n")
	fmt.Fprintf(os.Stderr, "  explain   Print the SQL a query is rewritten to\n")
	fmt.Fprintf(os.Stderr, "  wrap      Decorate entities with their snapshots\n")
	fmt.Fprintf(os.Stderr, "  export    Export a relation snapshot to object storage\n")
	fmt.Fprintf(os.Stderr, "  load      Print the snapshots of an export\n")
	fmt.Fprintf(os.Stderr, "  index     Replay a query workload and create the payload indexes it needs\n")
	fmt.Fprintf(os.Stderr, "  version   Show version information\n")
	fmt.Fprintf(os.Stderr, "\nExamples:\n")
	fmt.Fprintf(os.Stderr, "  tempora asof -at P-1D \"SELECT id, subject FROM work_packages WHERE status = 'open'\"\n")
	fmt.Fprintf(os.Stderr, "  tempora wrap -kind work_package -ids wp-1,wp-2 -timestamps 2022-01-01T00:00:00Z,PT0S -diff\n")
	fmt.Fprintf(os.Stderr, "  tempora export -kind work_package -at 2022-01-01T00:00:00Z\n")
	fmt.Fprintf(os.Stderr, "  tempora index -workload queries.sql -threshold 10\n")
	fmt.Fprintf(os.Stderr, "\nEnvironment Variables:\n")
	fmt.Fprintf(os.Stderr, "  TEMPORA_DATA_DIR        Base directory for data files\n")
	fmt.Fprintf(os.Stderr, "  TEMPORA_DATABASE_PATH   SQLite database file\n")
	fmt.Fprintf(os.Stderr, "  TEMPORA_STORAGE_TYPE    Export storage type (local, s3)\n")
	fmt.Fprintf(os.Stderr, "  TEMPORA_S3_*            S3 bucket, region and endpoint\n")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		sig := <-sigCh
		log.Printf("Received signal: %v", sig)
		cancel()
	}()

	var err error
	switch cmd, args := os.Args[1], os.Args[2:]; cmd {
	case "asof":
		err = runAsOf(ctx, args)
	case "explain":
		err = runExplain(ctx, args)
	case "wrap":
		err = runWrap(ctx, args)
	case "export":
		err = runExport(ctx, args)
	case "load":
		err = runLoad(ctx, args)
	case "index":
		err = runIndex(ctx, args)
	case "version", "-version", "--version":
		fmt.Printf("tempora version %s (commit: %s)\n", version, commit)
	case "help", "-h", "-help", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", cmd)
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "tempora %s: %v\n", os.Args[1], err)
		os.Exit(1)
	}
}

func runAsOf(ctx context.Context, args []string) error {
	var g globalFlags
	fs := flag.NewFlagSet("asof", flag.ExitOnError)
	g.register(fs)
	at := fs.String("at", "PT0S", "Timestamp: RFC 3339 instant or ISO 8601 duration relative to now")
	snapshots := fs.Bool("snapshots", false, "Decode rows as snapshots")
	fs.Parse(args)
	if fs.NArg() != 1 {
		return fmt.Errorf("expected one query argument")
	}

	ts, err := types.ParseTimestamp(*at)
	if err != nil {
		return err
	}
	a, err := open(ctx, g)
	if err != nil {
		return err
	}
	defer a.Close()

	result, err := a.AsOf(ctx, fs.Arg(0), ts)
	if err != nil {
		return err
	}
	if *snapshots {
		snaps, err := result.Snapshots()
		if err != nil {
			return err
		}
		return printJSON(snaps)
	}
	return printJSON(result.Records())
}

func runExplain(ctx context.Context, args []string) error {
	var g globalFlags
	fs := flag.NewFlagSet("explain", flag.ExitOnError)
	g.register(fs)
	at := fs.String("at", "PT0S", "Timestamp: RFC 3339 instant or ISO 8601 duration relative to now")
	fs.Parse(args)
	if fs.NArg() != 1 {
		return fmt.Errorf("expected one query argument")
	}

	ts, err := types.ParseTimestamp(*at)
	if err != nil {
		return err
	}
	a, err := open(ctx, g)
	if err != nil {
		return err
	}
	defer a.Close()

	stmt, err := a.Explain(fs.Arg(0), ts)
	if err != nil {
		return err
	}
	return printJSON(map[string]interface{}{"sql": stmt.SQL, "args": stmt.Args})
}

func runWrap(ctx context.Context, args []string) error {
	var g globalFlags
	fs := flag.NewFlagSet("wrap", flag.ExitOnError)
	g.register(fs)
	kind := fs.String("kind", "work_package", "Entity kind")
	ids := fs.String("ids", "", "Comma-separated entity ids")
	timestamps := fs.String("timestamps", "PT0S", "Comma-separated timestamps; the last one is current")
	where := fs.String("filter", "", "Filter expression evaluated at every timestamp, e.g. \"status = 'open'\"")
	diff := fs.Bool("diff", false, "Keep only attributes that differ from the current ones")
	fs.Parse(args)

	ts, err := types.ParseTimestamps(*timestamps)
	if err != nil {
		return err
	}
	idList := splitList(*ids)
	if len(idList) == 0 {
		return fmt.Errorf("-ids is required")
	}

	opts := projection.Options{DiffMode: *diff}
	if *where != "" {
		if opts.Filter, err = filter.Parse("cli", *kind, *where); err != nil {
			return err
		}
	}

	a, err := open(ctx, g)
	if err != nil {
		return err
	}
	defer a.Close()

	decorated, err := a.Wrap(ctx, *kind, idList, ts, opts)
	if err != nil {
		return err
	}
	return printJSON(decorated)
}

func runExport(ctx context.Context, args []string) error {
	var g globalFlags
	fs := flag.NewFlagSet("export", flag.ExitOnError)
	g.register(fs)
	kind := fs.String("kind", "work_package", "Entity kind")
	at := fs.String("at", "PT0S", "Timestamp of the snapshot")
	object := fs.String("object", "", "Object path (default: generated under the export prefix)")
	fs.Parse(args)

	ts, err := types.ParseTimestamp(*at)
	if err != nil {
		return err
	}
	a, err := open(ctx, g)
	if err != nil {
		return err
	}
	defer a.Close()

	info, err := a.Export(ctx, *kind, ts, *object)
	if err != nil {
		return err
	}
	return printJSON(info)
}

func runLoad(ctx context.Context, args []string) error {
	var g globalFlags
	fs := flag.NewFlagSet("load", flag.ExitOnError)
	g.register(fs)
	fs.Parse(args)
	if fs.NArg() != 1 {
		return fmt.Errorf("expected one object path argument")
	}

	a, err := open(ctx, g)
	if err != nil {
		return err
	}
	defer a.Close()

	snaps, err := a.Exporter().Load(ctx, fs.Arg(0))
	if err != nil {
		return err
	}
	return printJSON(snaps)
}

func runIndex(ctx context.Context, args []string) error {
	var g globalFlags
	fs := flag.NewFlagSet("index", flag.ExitOnError)
	g.register(fs)
	at := fs.String("at", "PT0S", "Timestamp the workload queries run as of")
	workload := fs.String("workload", "", "File with one query per line, or - for stdin")
	threshold := fs.Int64("threshold", 0, "Filters on a payload field before it is indexed (default: from config)")
	fs.Parse(args)

	ts, err := types.ParseTimestamp(*at)
	if err != nil {
		return err
	}
	queries := fs.Args()
	if *workload != "" {
		fromFile, err := readWorkload(*workload)
		if err != nil {
			return err
		}
		queries = append(queries, fromFile...)
	}
	if len(queries) == 0 {
		return fmt.Errorf("expected queries as arguments or -workload")
	}

	a, err := open(ctx, g)
	if err != nil {
		return err
	}
	defer a.Close()
	if *threshold > 0 {
		a.SetIndexThreshold(*threshold)
	}

	for _, q := range queries {
		if _, err := a.AsOf(ctx, q, ts); err != nil {
			return fmt.Errorf("workload query %q: %w", q, err)
		}
	}
	indexes, err := a.EnsureIndexes(ctx)
	if err != nil {
		return err
	}

	names := make([]string, len(indexes))
	for i, idx := range indexes {
		names[i] = idx.Name
	}
	return printJSON(map[string]interface{}{"queries": len(queries), "indexes": names})
}

// readWorkload reads one query per line. Blank lines and lines starting with
// "--" are skipped.
func readWorkload(path string) ([]string, error) {
	r := io.Reader(os.Stdin)
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("failed to open workload: %w", err)
		}
		defer f.Close()
		r = f
	}

	var queries []string
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "--") {
			continue
		}
		queries = append(queries, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read workload: %w", err)
	}
	return queries, nil
}

// open loads configuration from file, environment, and command line flags,
// in increasing priority, and opens the application.
func open(ctx context.Context, g globalFlags) (*app.App, error) {
	if g.quiet {
		log.SetOutput(io.Discard)
	}

	var cfg *config.Config
	var err error
	if g.configFile != "" {
		cfg, err = config.LoadFromFile(g.configFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	} else {
		cfg = config.DefaultConfig()
	}

	config.LoadFromEnv(cfg)

	if g.dataDir != "" {
		cfg.DataDir = g.dataDir
	}

	return app.New(ctx, cfg, nil)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
