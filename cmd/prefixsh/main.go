// Package main provides prefixsh, a shell for inspecting and editing
// prefixdb stores.
//
// Usage:
//
//	prefixsh --db=<path> [options] [command [args...]]
//
// Without a command prefixsh starts an interactive prompt.
//
// Commands:
//
//	get <key>             Print the document stored under key
//	put <key> <json>      Store a JSON value under key
//	del <key>             Delete key
//	scan [prefix] [limit] List documents under prefix in key order
//	count [prefix]        Count live documents under prefix
//	compact               Rewrite the log now
//	backup <path>         Write a consistent copy of the store to path
//	stats                 Print entity counts and write statistics
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/aalhour/prefixdb/db"
	"github.com/aalhour/prefixdb/internal/compression"
	"github.com/aalhour/prefixdb/internal/logging"
	"github.com/aalhour/prefixdb/internal/record"
	"github.com/peterh/liner"
	flag "github.com/spf13/pflag"
)

var (
	dbPath      = flag.String("db", "", "Path to the store log (required)")
	optionsFile = flag.String("options", "", "JSONC options file")
	readOnly    = flag.Bool("readonly", false, "Open the store read-only")
	typeName    = flag.String("type", "doc", "Type tag for documents written by put")
	durability  = flag.String("durability", "", "Durability mode (FileSystemCache, FlushOnDelay, FlushEachTransaction)")
	compress    = flag.String("compression", "", "Rewrite compression (none, snappy, zlib, lz4, zstd)")
	logLevel    = flag.String("log-level", "WARN", "Log level (ERROR, WARN, INFO, DEBUG)")
	help        = flag.BoolP("help", "h", false, "Print help")
)

// document is the value type written by put: the entity fields plus an
// arbitrary JSON value.
type document struct {
	db.Base
	Value json.RawMessage `json:"value,omitempty"`
}

func main() {
	flag.Parse()

	if *help {
		printUsage()
		return
	}
	if *dbPath == "" {
		fmt.Fprintln(os.Stderr, "Error: --db flag is required")
		printUsage()
		os.Exit(1)
	}

	store, err := openStore()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	sh := &shell{store: store, out: os.Stdout, ctx: context.Background()}
	if flag.NArg() > 0 {
		_, err = sh.exec(flag.Args())
	} else {
		err = sh.repl()
	}

	if cerr := store.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("prefixsh - prefixdb store shell")
	fmt.Println()
	fmt.Println("Usage: prefixsh --db=<path> [options] [command [args...]]")
	fmt.Println()
	printCommands(os.Stdout)
	fmt.Println()
	fmt.Println("Options:")
	flag.PrintDefaults()
}

func printCommands(w io.Writer) {
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  get <key>             Print the document stored under key")
	fmt.Fprintln(w, "  put <key> <json>      Store a JSON value under key")
	fmt.Fprintln(w, "  del <key>             Delete key")
	fmt.Fprintln(w, "  scan [prefix] [limit] List documents under prefix in key order")
	fmt.Fprintln(w, "  count [prefix]        Count live documents under prefix")
	fmt.Fprintln(w, "  compact               Rewrite the log now")
	fmt.Fprintln(w, "  backup <path>         Write a consistent copy of the store to path")
	fmt.Fprintln(w, "  stats                 Print entity counts and write statistics")
	fmt.Fprintln(w, "  help                  Show this help")
	fmt.Fprintln(w, "  exit / quit           Leave the prompt")
}

func openStore() (*db.DB, error) {
	opts := db.DefaultOptions()
	if *optionsFile != "" {
		var err error
		if opts, err = db.LoadOptions(*optionsFile); err != nil {
			return nil, err
		}
	}
	if flag.CommandLine.Changed("readonly") {
		opts.ReadOnly = *readOnly
	}
	if *durability != "" {
		d, err := db.ParseDurability(*durability)
		if err != nil {
			return nil, err
		}
		opts.Durability = d
	}
	if *compress != "" {
		c, err := compression.Parse(*compress)
		if err != nil {
			return nil, err
		}
		opts.RewriteCompression = c
	}
	if opts.Logger == nil || flag.CommandLine.Changed("log-level") {
		level, err := logging.ParseLevel(*logLevel)
		if err != nil {
			return nil, err
		}
		opts.Logger = logging.NewDefaultLogger(level)
	}

	types, err := newTypes(*typeName)
	if err != nil {
		return nil, err
	}
	opts.Types = types
	return db.Open(*dbPath, opts)
}

func newTypes(name string) (*record.Registry, error) {
	types := record.NewRegistry()
	if err := types.Register(name, (*document)(nil), nil); err != nil {
		return nil, err
	}
	return types, nil
}

// shell runs commands against an open store.
type shell struct {
	store *db.DB
	out   io.Writer
	ctx   context.Context
}

// errQuit ends the interactive prompt.
var errQuit = errors.New("quit")

// exec runs one command. It reports whether the command was recognized.
func (s *shell) exec(args []string) (bool, error) {
	if len(args) == 0 {
		return true, nil
	}
	cmd, args := strings.ToLower(args[0]), args[1:]

	switch cmd {
	case "get":
		return true, s.cmdGet(args)
	case "put":
		return true, s.cmdPut(args)
	case "del", "delete":
		return true, s.cmdDelete(args)
	case "scan", "ls":
		return true, s.cmdScan(args)
	case "count":
		return true, s.cmdCount(args)
	case "compact":
		return true, s.cmdCompact()
	case "backup":
		return true, s.cmdBackup(args)
	case "stats", "info":
		return true, s.cmdStats()
	case "help", "?":
		printCommands(s.out)
		return true, nil
	case "exit", "quit", "q":
		return true, errQuit
	default:
		return false, fmt.Errorf("unknown command: %s (type 'help' for commands)", cmd)
	}
}

func (s *shell) repl() error {
	line := liner.NewLiner()
	defer func() { _ = line.Close() }()

	line.SetCtrlCAborts(true)
	line.SetCompleter(completer)
	if f, err := os.Open(historyFile()); err == nil {
		_, _ = line.ReadHistory(f)
		_ = f.Close()
	}
	defer saveHistory(line)

	entities, dead := s.store.Stats()
	fmt.Fprintf(s.out, "prefixsh - %s (%d entities, %d dead)\n", *dbPath, entities, dead)
	fmt.Fprintln(s.out, "Type 'help' for available commands.")

	for {
		input, err := line.Prompt("prefixdb> ")
		if err != nil {
			if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
				fmt.Fprintln(s.out)
				return nil
			}
			return fmt.Errorf("reading input: %w", err)
		}

		args, err := splitArgs(input)
		if err != nil {
			fmt.Fprintf(s.out, "Error: %v\n", err)
			continue
		}
		if len(args) == 0 {
			continue
		}
		line.AppendHistory(input)

		if _, err := s.exec(args); err != nil {
			if errors.Is(err, errQuit) {
				return nil
			}
			fmt.Fprintf(s.out, "Error: %v\n", err)
		}
	}
}

func historyFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".prefixsh_history")
}

func saveHistory(line *liner.State) {
	path := historyFile()
	if path == "" {
		return
	}
	if f, err := os.Create(path); err == nil {
		_, _ = line.WriteHistory(f)
		_ = f.Close()
	}
}

var commandNames = []string{
	"get", "put", "del", "delete", "scan", "ls", "count",
	"compact", "backup", "stats", "info", "help", "exit", "quit",
}

func completer(line string) []string {
	var completions []string
	lower := strings.ToLower(line)
	for _, cmd := range commandNames {
		if strings.HasPrefix(cmd, lower) {
			completions = append(completions, cmd)
		}
	}
	return completions
}

// splitArgs splits a prompt line on spaces. Single quotes group words, so
// JSON values with spaces can be typed as '{"a": 1}'.
func splitArgs(line string) ([]string, error) {
	var args []string
	var cur strings.Builder
	inQuote, inArg := false, false
	for _, r := range line {
		switch {
		case r == '\'':
			inQuote = !inQuote
			inArg = true
		case (r == ' ' || r == '\t') && !inQuote:
			if inArg {
				args = append(args, cur.String())
				cur.Reset()
				inArg = false
			}
		default:
			cur.WriteRune(r)
			inArg = true
		}
	}
	if inQuote {
		return nil, errors.New("unterminated quote")
	}
	if inArg {
		args = append(args, cur.String())
	}
	return args, nil
}

func (s *shell) cmdGet(args []string) error {
	if len(args) != 1 {
		return errors.New("usage: get <key>")
	}
	e, ok := s.store.Get(args[0])
	if !ok {
		return fmt.Errorf("key not found: %s", args[0])
	}
	s.printEntity(e)
	return nil
}

func (s *shell) cmdPut(args []string) error {
	if len(args) != 2 {
		return errors.New("usage: put <key> <json>")
	}
	key, value := args[0], []byte(args[1])
	if !json.Valid(value) {
		return fmt.Errorf("value is not valid JSON: %s", value)
	}

	d := &document{Base: db.Base{ID: key, Revision: s.currentVersion(key)}, Value: value}
	if err := s.store.Save(s.ctx, d); err != nil {
		return err
	}
	fmt.Fprintf(s.out, "OK %s v%d\n", key, d.Version())
	return nil
}

func (s *shell) cmdDelete(args []string) error {
	if len(args) != 1 {
		return errors.New("usage: del <key>")
	}
	key := args[0]
	if _, ok := s.store.Get(key); !ok {
		return fmt.Errorf("key not found: %s", key)
	}

	d := &document{Base: db.Base{ID: key, Revision: s.currentVersion(key), Tombstone: true}}
	if err := s.store.Save(s.ctx, d); err != nil {
		return err
	}
	fmt.Fprintf(s.out, "OK %s deleted\n", key)
	return nil
}

// currentVersion is the version a write to key must carry to replace
// whatever is stored there.
func (s *shell) currentVersion(key string) int64 {
	e, ok := s.store.Get(key)
	if !ok {
		return 0
	}
	return e.Version()
}

func (s *shell) cmdScan(args []string) error {
	var prefix string
	limit := 0
	if len(args) > 0 {
		prefix = args[0]
	}
	if len(args) > 1 {
		n, err := strconv.Atoi(args[1])
		if err != nil || n < 0 {
			return fmt.Errorf("invalid limit: %s", args[1])
		}
		limit = n
	}

	entities := s.store.GetByPrefix(prefix, db.ScanOptions{Sorted: true})
	for i, e := range entities {
		if limit > 0 && i >= limit {
			fmt.Fprintf(s.out, "... %d more\n", len(entities)-limit)
			break
		}
		s.printEntity(e)
	}
	return nil
}

func (s *shell) cmdCount(args []string) error {
	var prefix string
	if len(args) > 0 {
		prefix = args[0]
	}
	fmt.Fprintln(s.out, len(s.store.GetByPrefix(prefix, db.ScanOptions{})))
	return nil
}

func (s *shell) cmdCompact() error {
	before, dead := s.store.Stats()
	if err := s.store.ForceMaintenance(s.ctx); err != nil {
		return err
	}
	fmt.Fprintf(s.out, "OK rewrote %d entities, dropped %d dead records\n", before, dead)
	return nil
}

func (s *shell) cmdBackup(args []string) error {
	if len(args) != 1 {
		return errors.New("usage: backup <path>")
	}
	if err := s.store.CreateBackup(s.ctx, args[0]); err != nil {
		return err
	}
	fmt.Fprintf(s.out, "OK backup written to %s\n", args[0])
	return nil
}

func (s *shell) cmdStats() error {
	entities, dead := s.store.Stats()
	m := s.store.Metrics()
	fmt.Fprintf(s.out, "Entities:          %d\n", entities)
	fmt.Fprintf(s.out, "Dead records:      %d\n", dead)
	fmt.Fprintf(s.out, "Transactions:      %d\n", m.Transactions)
	fmt.Fprintf(s.out, "Conflicts:         %d\n", m.Conflicts)
	fmt.Fprintf(s.out, "Bytes serialized:  %d\n", m.BytesSerialized)
	fmt.Fprintf(s.out, "Avg batch length:  %.2f\n", m.AvgBatchLength)
	fmt.Fprintf(s.out, "Avg validation:    %v\n", m.AvgValidationTime)
	fmt.Fprintf(s.out, "Avg serialization: %v\n", m.AvgSerializationTime)
	fmt.Fprintf(s.out, "Rewrites:          %d\n", m.Rewrites)
	return nil
}

func (s *shell) printEntity(e db.Entity) {
	switch v := e.(type) {
	case *document:
		fmt.Fprintf(s.out, "%s v%d %s\n", v.Key(), v.Version(), v.Value)
	case *db.Opaque:
		fmt.Fprintf(s.out, "%s v%d [%s] %s\n", v.Key(), v.Version(), v.Type(), v.Data())
	default:
		fmt.Fprintf(s.out, "%s v%d (%T)\n", e.Key(), e.Version(), e)
	}
}
