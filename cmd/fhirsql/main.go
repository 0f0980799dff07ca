package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/medql/fhirsql/assemble"
	"github.com/medql/fhirsql/backend"
	"github.com/medql/fhirsql/dialect"
	"github.com/medql/fhirsql/model"
	"github.com/medql/fhirsql/parser"
	"github.com/medql/fhirsql/pkg/log"
	"github.com/medql/fhirsql/pkg/version"
	"github.com/medql/fhirsql/translate"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

func run(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("fhirsql", flag.ContinueOnError)
	fs.SetOutput(stderr)

	var (
		expr         = fs.String("e", "", "Expression to translate (omit for interactive mode)")
		resourceType = fs.String("type", "Patient", "Resource type the expression evaluates against")
		dialectName  = fs.String("dialect", "sqlite", "Target dialect (sqlite, postgres)")
		sqlOnly      = fs.Bool("sql", false, "Print generated SQL without executing")

		modelDir   = fs.String("model-dir", "", "Directory of resource model definition files")
		watchModel = fs.Bool("watch", false, "Watch the model directory and hot-reload definitions")

		dataDir = fs.String("data", "", "Directory of JSON resource documents to load before evaluating")
		dbPath  = fs.String("db", ":memory:", "SQLite database path (file path or :memory:)")
		pgDSN   = fs.String("pg-dsn", "", "PostgreSQL DSN (defaults to $"+backend.PostgresDSNEnv+")")

		logLevel  = fs.String("log-level", "warn", "Log level (debug, info, warn, error, off)")
		logFormat = fs.String("log-format", "text", "Log format (text, json)")

		showHelp     = fs.Bool("h", false, "Show help")
		showHelpL    = fs.Bool("help", false, "Show help")
		showVersion  = fs.Bool("v", false, "Show version")
		showVersionL = fs.Bool("version", false, "Show version")
	)

	fs.Usage = func() { printUsage(stderr) }

	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *showHelpL {
		*showHelp = true
	}
	if *showVersionL {
		*showVersion = true
	}
	if *showHelp {
		printUsage(stdout)
		return 0
	}
	if *showVersion {
		fmt.Fprintln(stdout, version.Full())
		return 0
	}

	logger, err := buildLogger(*logLevel, *logFormat, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		return 2
	}

	d, ok := dialect.Get(*dialectName)
	if !ok {
		fmt.Fprintf(stderr, "error: unknown dialect %q (available: %s)\n",
			*dialectName, strings.Join(dialect.Names(), ", "))
		return 2
	}

	m := model.Default()
	if *modelDir != "" {
		loader := model.NewLoader(logger)
		loaded, err := loader.LoadDirectory(*modelDir)
		if err != nil {
			fmt.Fprintf(stderr, "error loading model: %v\n", err)
			return 1
		}
		m = loaded
	}

	if *watchModel {
		if *modelDir == "" {
			fmt.Fprintln(stderr, "error: -watch requires -model-dir")
			return 2
		}
		w, err := model.NewWatcher(*modelDir, m, logger)
		if err != nil {
			fmt.Fprintf(stderr, "error watching model: %v\n", err)
			return 1
		}
		if err := w.Start(); err != nil {
			fmt.Fprintf(stderr, "error watching model: %v\n", err)
			return 1
		}
		defer w.Stop()
	}

	ctx := context.Background()

	var store backend.Store
	if !*sqlOnly {
		store, err = openStore(ctx, d, *dbPath, *pgDSN)
		if err != nil {
			fmt.Fprintf(stderr, "error: %v\n", err)
			return 1
		}
		defer store.Close()
		if *dataDir != "" {
			n, err := backend.LoadDirectory(ctx, store, *dataDir)
			if err != nil {
				fmt.Fprintf(stderr, "error loading data: %v\n", err)
				return 1
			}
			logger.Execute().Info("loaded resources", "count", n, "dir", *dataDir)
		}
	}

	eval := func(text string) error {
		return evalExpression(ctx, text, *resourceType, d, m, logger, store, *sqlOnly, stdout)
	}

	if *expr != "" {
		if err := eval(*expr); err != nil {
			fmt.Fprintf(stderr, "error: %v\n", err)
			return 1
		}
		return 0
	}

	// Interactive mode: one expression per line.
	fmt.Fprintf(stdout, "fhirsql %s (%s, resource %s)\n", version.Version, d.Name(), *resourceType)
	scanner := bufio.NewScanner(stdin)
	fmt.Fprint(stdout, "> ")
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			fmt.Fprint(stdout, "> ")
			continue
		}
		if line == "quit" || line == "exit" {
			break
		}
		if err := eval(line); err != nil {
			fmt.Fprintf(stderr, "error: %v\n", err)
		}
		fmt.Fprint(stdout, "> ")
	}
	return 0
}

func buildLogger(level, format string, w io.Writer) (*log.Logger, error) {
	lvl, err := log.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	f, err := log.ParseFormat(format)
	if err != nil {
		return nil, err
	}
	cfg := log.DefaultConfig()
	cfg.DefaultLevel = lvl
	cfg.Format = f
	cfg.Output = w
	return log.New(cfg), nil
}

func openStore(ctx context.Context, d dialect.Dialect, dbPath, pgDSN string) (backend.Store, error) {
	switch d.Name() {
	case "postgres":
		dsn := pgDSN
		if dsn == "" {
			dsn = backend.PostgresDSN()
		}
		return backend.NewPostgresStore(ctx, dsn)
	default:
		cfg := backend.DefaultSQLiteConfig()
		cfg.Path = dbPath
		return backend.NewSQLiteStore(ctx, cfg)
	}
}

func evalExpression(ctx context.Context, text, resourceType string, d dialect.Dialect,
	m *model.Model, logger *log.Logger, store backend.Store, sqlOnly bool, stdout io.Writer) error {

	tree, err := parser.Parse(text)
	if err != nil {
		return err
	}
	tr := translate.New(d,
		translate.WithModel(m),
		translate.WithResourceType(resourceType),
		translate.WithLogger(logger))
	frag, err := tr.Translate(tree)
	if err != nil {
		return err
	}
	query, err := assemble.ResourceQuery(frag, d, resourceType)
	if err != nil {
		return err
	}
	if sqlOnly || store == nil {
		fmt.Fprintln(stdout, query)
		return nil
	}
	rows, err := store.Evaluate(ctx, query)
	if err != nil {
		return err
	}
	for _, row := range rows {
		fmt.Fprintf(stdout, "%s\t%s\n", row.ID, formatResult(row.Result))
	}
	return nil
}

func formatResult(v interface{}) string {
	switch v := v.(type) {
	case nil:
		return "{}"
	case []byte:
		return string(v)
	case string:
		return v
	case bool:
		if v {
			return "true"
		}
		return "false"
	default:
		return fmt.Sprintf("%v", v)
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintf(w, `fhirsql - translate path-query expressions to SQL and run them

Usage:
  fhirsql [options]              interactive mode
  fhirsql -e <expression>        translate and evaluate one expression

Options:
  -e <expr>         Expression to translate
  -type <name>      Resource type to evaluate against (default Patient)
  -dialect <name>   Target dialect: sqlite, postgres (default sqlite)
  -sql              Print generated SQL without executing
  -model-dir <dir>  Load resource model definitions from a directory
  -watch            Hot-reload model definitions on change
  -data <dir>       Load JSON resource documents before evaluating
  -db <path>        SQLite database path (default :memory:)
  -pg-dsn <dsn>     PostgreSQL DSN (or set %s)
  -log-level <l>    debug, info, warn, error, off (default warn)
  -log-format <f>   text, json (default text)
  -h, -help         Show help
  -v, -version      Show version

Examples:
  fhirsql -e "Patient.name.given.first()" -sql
  fhirsql -e "Observation.valueQuantity.value.lowBoundary()" -type Observation -data ./testdata
`, backend.PostgresDSNEnv)
}
