// Command promptmeta extracts generation metadata from AI images and manages
// the local extraction history.
//
// Usage:
//
//	go run -tags sqlite_fts5 ./cmd/promptmeta extract ./images/castle.png
//	go run -tags sqlite_fts5 ./cmd/promptmeta scan ./images
//	go run -tags sqlite_fts5 ./cmd/promptmeta search "lighthouse"
//	go run -tags sqlite_fts5 ./cmd/promptmeta export -o history.xlsx
//	go run -tags sqlite_fts5 ./cmd/promptmeta mcp
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/brunobiangulo/promptmeta"
	"github.com/brunobiangulo/promptmeta/internal/mcptools"
)

const usage = `usage: promptmeta [flags] <command> [args]

commands:
  extract [-no-history] <file>...   print the metadata of each image as JSON
  scan [-json] <dir>...             extract every PNG/JPEG below each directory
  history [-limit N]                list recorded extractions
  search [-limit N] <query>         keyword and prompt-similarity search over history
  similar [-k N] <id>               entries with the closest prompts
  delete <id>                       remove a recorded extraction
  stats                             count recorded extractions
  export -o <file.xlsx>             write the history as a workbook
  mcp [-transport stdio|http]       serve the tools over the Model Context Protocol

flags:
`

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	os.Exit(run(ctx, os.Args[1:], os.Stdout, os.Stderr))
}

// run executes one command and returns the process exit code.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("promptmeta", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var (
		configPath = fs.String("config", "", "Path to config file (JSON or YAML)")
		dbPath     = fs.String("db", "", "Path to SQLite history database (overrides config)")
		noHistory  = fs.Bool("no-history", false, "Do not open or write the history database")
		verbose    = fs.Bool("v", false, "Enable debug logging")
	)
	fs.Usage = func() {
		fmt.Fprint(stderr, usage)
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return 2
	}

	level := slog.LevelWarn
	if *verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level})))

	cfg := promptmeta.DefaultConfig()
	if *configPath != "" {
		var err error
		if cfg, err = promptmeta.LoadConfig(*configPath); err != nil {
			fmt.Fprintf(stderr, "error: %v\n", err)
			return 1
		}
	}
	if err := cfg.ApplyEnv(); err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		return 1
	}
	if *dbPath != "" {
		cfg.DBPath = *dbPath
	}
	if *noHistory {
		cfg.History = false
	}

	cmd, cmdArgs := fs.Arg(0), fs.Args()[1:]
	commands := map[string]func(context.Context, promptmeta.Engine, []string, io.Writer) error{
		"extract": cmdExtract,
		"scan":    cmdScan,
		"history": cmdHistory,
		"search":  cmdSearch,
		"similar": cmdSimilar,
		"delete":  cmdDelete,
		"stats":   cmdStats,
		"export":  cmdExport,
		"mcp":     cmdMCP,
	}
	fn, ok := commands[cmd]
	if !ok {
		fmt.Fprintf(stderr, "unknown command: %s\n\n", cmd)
		fs.Usage()
		return 2
	}

	engine, err := promptmeta.New(cfg)
	if err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		return 1
	}
	defer engine.Close()

	if err := fn(ctx, engine, cmdArgs, stdout); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 2
		}
		fmt.Fprintf(stderr, "error: %v\n", err)
		return 1
	}
	return 0
}

func cmdExtract(ctx context.Context, eng promptmeta.Engine, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("extract", flag.ContinueOnError)
	noHistory := fs.Bool("no-history", false, "Do not record these extractions")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		return errors.New("extract: at least one file is required")
	}

	var opts []promptmeta.ExtractOption
	if *noHistory {
		opts = append(opts, promptmeta.WithoutHistory())
	}

	var results []*promptmeta.Result
	var failed int
	for _, path := range fs.Args() {
		res, err := eng.ExtractFile(ctx, path, opts...)
		if err != nil {
			slog.Warn("extract failed", "path", path, "error", err)
			failed++
			continue
		}
		results = append(results, res)
	}

	if len(fs.Args()) == 1 && len(results) == 1 {
		if err := writeJSON(out, results[0]); err != nil {
			return err
		}
	} else if len(results) > 0 {
		if err := writeJSON(out, results); err != nil {
			return err
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d images had no extractable metadata", failed, fs.NArg())
	}
	return nil
}

func cmdScan(ctx context.Context, eng promptmeta.Engine, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("scan", flag.ContinueOnError)
	asJSON := fs.Bool("json", false, "Print results as JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		return errors.New("scan: at least one directory is required")
	}

	var all []promptmeta.ScanResult
	for _, dir := range fs.Args() {
		results, err := eng.Scan(ctx, dir)
		if err != nil {
			return err
		}
		all = append(all, results...)
	}

	if *asJSON {
		return writeJSON(out, all)
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PATH\tSOURCE\tVERSION\tPROMPT")
	for _, r := range all {
		if r.Err != nil {
			fmt.Fprintf(tw, "%s\t-\t-\t(%v)\n", r.Path, r.Err)
			continue
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", r.Path, r.Result.SourceModel, r.Result.Version, truncate(r.Result.Prompt, 60))
	}
	return tw.Flush()
}

func cmdHistory(ctx context.Context, eng promptmeta.Engine, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("history", flag.ContinueOnError)
	limit := fs.Int("limit", 20, "Maximum entries (0 = all)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	entries, err := eng.History(ctx, *limit)
	if err != nil {
		return err
	}
	return printEntries(out, entries, false)
}

func cmdSearch(ctx context.Context, eng promptmeta.Engine, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("search", flag.ContinueOnError)
	limit := fs.Int("limit", 20, "Maximum matches")
	if err := fs.Parse(args); err != nil {
		return err
	}
	query := strings.Join(fs.Args(), " ")
	if strings.TrimSpace(query) == "" {
		return errors.New("search: query is required")
	}

	entries, err := eng.Search(ctx, query, *limit)
	if err != nil {
		return err
	}
	return printEntries(out, entries, true)
}

func cmdSimilar(ctx context.Context, eng promptmeta.Engine, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("similar", flag.ContinueOnError)
	k := fs.Int("k", 5, "Number of neighbours")
	if err := fs.Parse(args); err != nil {
		return err
	}
	id, err := parseID(fs.Args())
	if err != nil {
		return err
	}

	entries, err := eng.Similar(ctx, id, *k)
	if err != nil {
		return err
	}
	return printEntries(out, entries, true)
}

func cmdDelete(ctx context.Context, eng promptmeta.Engine, args []string, out io.Writer) error {
	id, err := parseID(args)
	if err != nil {
		return err
	}
	if err := eng.Delete(ctx, id); err != nil {
		return err
	}
	fmt.Fprintf(out, "deleted %d\n", id)
	return nil
}

func cmdStats(ctx context.Context, eng promptmeta.Engine, _ []string, out io.Writer) error {
	stats, err := eng.Stats(ctx)
	if err != nil {
		return err
	}
	return writeJSON(out, stats)
}

func cmdExport(ctx context.Context, eng promptmeta.Engine, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("export", flag.ContinueOnError)
	output := fs.String("o", "promptmeta-history.xlsx", "Output workbook path")
	if err := fs.Parse(args); err != nil {
		return err
	}

	f, err := os.Create(*output)
	if err != nil {
		return fmt.Errorf("creating %s: %w", *output, err)
	}
	if err := eng.Export(ctx, f); err != nil {
		f.Close()
		os.Remove(*output)
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	fmt.Fprintf(out, "wrote %s\n", *output)
	return nil
}

func cmdMCP(ctx context.Context, eng promptmeta.Engine, args []string, _ io.Writer) error {
	fs := flag.NewFlagSet("mcp", flag.ContinueOnError)
	transport := fs.String("transport", "stdio", "Transport mode: stdio or http")
	addr := fs.String("addr", ":8081", "HTTP listen address (only used with -transport http)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	srv := mcptools.New(eng)

	switch *transport {
	case "stdio":
		slog.Info("MCP server starting (stdio)")
		return srv.Run(ctx, &mcp.StdioTransport{})
	case "http":
		handler := mcp.NewStreamableHTTPHandler(func(r *http.Request) *mcp.Server {
			return srv
		}, nil)
		httpSrv := &http.Server{Addr: *addr, Handler: handler}
		go func() {
			<-ctx.Done()
			httpSrv.Close()
		}()
		slog.Info("MCP server listening", "addr", *addr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	default:
		return fmt.Errorf("unknown transport: %s (use stdio or http)", *transport)
	}
}

func printEntries(out io.Writer, entries []promptmeta.Entry, withScore bool) error {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	if withScore {
		fmt.Fprintln(tw, "ID\tSCORE\tSOURCE\tFILENAME\tPROMPT")
	} else {
		fmt.Fprintln(tw, "ID\tSOURCE\tFILENAME\tPROMPT")
	}
	for _, e := range entries {
		if withScore {
			fmt.Fprintf(tw, "%d\t%.3f\t%s\t%s\t%s\n", e.ID, e.Score, e.SourceModel, e.Filename, truncate(e.Prompt, 60))
		} else {
			fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", e.ID, e.SourceModel, e.Filename, truncate(e.Prompt, 60))
		}
	}
	return tw.Flush()
}

func parseID(args []string) (int64, error) {
	if len(args) != 1 {
		return 0, errors.New("exactly one id is required")
	}
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid id %q", args[0])
	}
	return id, nil
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func truncate(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len([]rune(s)) <= n {
		return s
	}
	return string([]rune(s)[:n-3]) + "..."
}
