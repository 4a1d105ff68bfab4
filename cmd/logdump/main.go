// Package main provides the logdump CLI tool for inspecting prefixdb log files.
//
// Usage:
//
//	logdump --file=<path> [options]
//
// Commands:
//
//	scan            Print records in replay order
//	properties      Show header and record statistics
//	check           Verify segment checksums and record syntax
//	raw             Show the segment layout
package main

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/aalhour/prefixdb/db"
	flag "github.com/spf13/pflag"
)

var (
	filePath    = flag.String("file", "", "Path to the log file (required)")
	command     = flag.String("command", "scan", "Command: scan, properties, check, raw")
	hexOutput   = flag.Bool("hex", false, "Output values in hex format")
	limit       = flag.Int("limit", 0, "Limit number of records (0 = unlimited)")
	prefix      = flag.String("prefix", "", "Only show keys with this prefix")
	showValues  = flag.Bool("values", true, "Show values in scan output")
	help        = flag.BoolP("help", "h", false, "Print help")
	showSummary = flag.Bool("summary", true, "Show summary statistics")
	verbose     = flag.BoolP("verbose", "v", false, "Verbose output during check")
)

// dumper runs one command against one file.
type dumper struct {
	out  io.Writer
	path string

	hex        bool
	limit      int
	prefix     string
	showValues bool
	summary    bool
	verbose    bool
}

// errLimit ends a scan early once the record limit is reached.
var errLimit = errors.New("limit reached")

func main() {
	flag.Parse()

	if *help {
		printUsage()
		return
	}

	if *filePath == "" {
		fmt.Fprintln(os.Stderr, "Error: --file flag is required")
		printUsage()
		os.Exit(1)
	}

	d := &dumper{
		out:        os.Stdout,
		path:       *filePath,
		hex:        *hexOutput,
		limit:      *limit,
		prefix:     *prefix,
		showValues: *showValues,
		summary:    *showSummary,
		verbose:    *verbose,
	}
	if err := d.run(*command); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("logdump - prefixdb log file inspection tool")
	fmt.Println()
	fmt.Println("Usage: logdump --file=<path> [--command=<cmd>] [options]")
	fmt.Println()
	fmt.Println("Commands (--command):")
	fmt.Println("  scan        Print records in replay order (default)")
	fmt.Println("  properties  Show header and record statistics")
	fmt.Println("  check       Verify segment checksums and record syntax")
	fmt.Println("  raw         Show the segment layout")
	fmt.Println()
	fmt.Println("Options:")
	flag.PrintDefaults()
}

func (d *dumper) run(cmd string) error {
	switch cmd {
	case "scan":
		return d.scan()
	case "properties":
		return d.properties()
	case "check":
		return d.check()
	case "raw":
		return d.raw()
	default:
		return fmt.Errorf("unknown command: %s", cmd)
	}
}

func (d *dumper) formatValue(data []byte) string {
	if d.hex || !utf8.Valid(data) {
		return hex.EncodeToString(data)
	}
	return string(data)
}

func location(rec db.LogRecord) string {
	if rec.Segment < 0 {
		return fmt.Sprintf("line %d", rec.Line)
	}
	return fmt.Sprintf("segment %d #%d", rec.Segment, rec.Line)
}

func (d *dumper) scan() error {
	fmt.Fprintf(d.out, "Log file: %s\n", d.path)
	fmt.Fprintln(d.out, "---")

	count := 0
	var totalKeyBytes, totalValueBytes int64
	info, err := db.InspectLog(nil, d.path, func(rec db.LogRecord) error {
		if rec.Err != nil || !strings.HasPrefix(rec.Key, d.prefix) {
			return nil
		}
		if d.showValues {
			fmt.Fprintf(d.out, "%s [%s] => %s\n", rec.Key, rec.Type, d.formatValue(rec.Value))
		} else {
			fmt.Fprintf(d.out, "%s [%s]\n", rec.Key, rec.Type)
		}
		totalKeyBytes += int64(len(rec.Key))
		totalValueBytes += int64(len(rec.Value))
		count++
		if d.limit > 0 && count >= d.limit {
			return errLimit
		}
		return nil
	})
	if err != nil && !errors.Is(err, errLimit) {
		return err
	}

	if d.summary {
		fmt.Fprintln(d.out, "---")
		fmt.Fprintf(d.out, "Total records: %d\n", count)
		fmt.Fprintf(d.out, "Total key bytes: %d\n", totalKeyBytes)
		fmt.Fprintf(d.out, "Total value bytes: %d\n", totalValueBytes)
		if info.Malformed > 0 {
			fmt.Fprintf(d.out, "Malformed lines skipped: %d\n", info.Malformed)
		}
	}
	return nil
}

func (d *dumper) properties() error {
	// Latest record per key, in the order replay would apply them.
	latest := make(map[string]string)
	var minKey, maxKey string
	var totalKeyBytes, totalValueBytes int64
	info, err := db.InspectLog(nil, d.path, func(rec db.LogRecord) error {
		if rec.Err != nil {
			return nil
		}
		if len(latest) == 0 || rec.Key < minKey {
			minKey = rec.Key
		}
		if len(latest) == 0 || rec.Key > maxKey {
			maxKey = rec.Key
		}
		latest[rec.Key] = rec.Type
		totalKeyBytes += int64(len(rec.Key))
		totalValueBytes += int64(len(rec.Value))
		return nil
	})
	if err != nil {
		return err
	}

	types := make(map[string]int)
	for _, typ := range latest {
		types[typ]++
	}

	fmt.Fprintf(d.out, "Log file: %s\n", d.path)
	fmt.Fprintln(d.out, "---")
	fmt.Fprintf(d.out, "File size: %d bytes\n", info.Size)
	fmt.Fprintf(d.out, "Created: %s\n", info.Creation.Format(time.RFC3339))
	fmt.Fprintf(d.out, "Last rewrite: %s\n", info.LastRewrite.Format(time.RFC3339))
	fmt.Fprintf(d.out, "Compressed segments: %d\n", len(info.Segments))
	fmt.Fprintf(d.out, "Number of records: %d\n", info.Records)
	fmt.Fprintf(d.out, "Distinct keys: %d\n", len(latest))
	fmt.Fprintf(d.out, "Superseded records: %d\n", info.Records-len(latest))
	fmt.Fprintf(d.out, "Total key bytes: %d\n", totalKeyBytes)
	fmt.Fprintf(d.out, "Total value bytes: %d\n", totalValueBytes)
	if info.Records > 0 {
		fmt.Fprintf(d.out, "Average key size: %.1f bytes\n", float64(totalKeyBytes)/float64(info.Records))
		fmt.Fprintf(d.out, "Average value size: %.1f bytes\n", float64(totalValueBytes)/float64(info.Records))
		fmt.Fprintf(d.out, "Smallest key: %s\n", minKey)
		fmt.Fprintf(d.out, "Largest key: %s\n", maxKey)
	}
	for typ, n := range types {
		fmt.Fprintf(d.out, "Type %q: %d keys\n", typ, n)
	}
	return nil
}

func (d *dumper) check() error {
	fmt.Fprintf(d.out, "Checking log file: %s\n", d.path)
	fmt.Fprintln(d.out, "---")

	info, err := db.InspectLog(nil, d.path, func(rec db.LogRecord) error {
		if rec.Err != nil && d.verbose {
			fmt.Fprintf(d.out, "  %s: %v\n", location(rec), rec.Err)
		}
		return nil
	})
	if err != nil {
		fmt.Fprintf(d.out, "Header: ✗ FAILED (%v)\n", err)
		return err
	}

	segmentErrors := 0
	for i, seg := range info.Segments {
		if seg.Err != nil {
			fmt.Fprintf(d.out, "Segment %d: %v\n", i, seg.Err)
			segmentErrors++
		} else if d.verbose {
			fmt.Fprintf(d.out, "  Segment %d verified (%s, %d records)\n", i, seg.Compression, seg.Count)
		}
	}

	fmt.Fprintln(d.out, "---")
	fmt.Fprintf(d.out, "Total records scanned: %d\n", info.Records)
	fmt.Fprintf(d.out, "Segments verified: %d\n", len(info.Segments))
	if segmentErrors == 0 {
		fmt.Fprintln(d.out, "Checksum verification: ✓ PASSED")
	} else {
		fmt.Fprintf(d.out, "Checksum verification: ✗ FAILED (%d errors)\n", segmentErrors)
	}
	if info.Malformed > 0 {
		fmt.Fprintf(d.out, "Malformed lines: %d\n", info.Malformed)
	}
	if info.TornBytes > 0 {
		fmt.Fprintf(d.out, "Torn trailing record: %d bytes (dropped on next open)\n", info.TornBytes)
	}

	totalErrors := segmentErrors + info.Malformed
	if totalErrors > 0 {
		return fmt.Errorf("file has %d errors", totalErrors)
	}

	fmt.Fprintln(d.out, "✓ Log file is valid")
	return nil
}

func (d *dumper) raw() error {
	appended := 0
	info, err := db.InspectLog(nil, d.path, func(rec db.LogRecord) error {
		if rec.Segment < 0 {
			appended++
		}
		return nil
	})
	if err != nil {
		return err
	}

	fmt.Fprintf(d.out, "Log file: %s\n", d.path)
	fmt.Fprintf(d.out, "File size: %d bytes\n", info.Size)
	fmt.Fprintln(d.out, "---")
	for i, seg := range info.Segments {
		status := "ok"
		if seg.Err != nil {
			status = seg.Err.Error()
		}
		fmt.Fprintf(d.out, "Segment %d: %s, %d records, %d bytes, checksum %016x (%s)\n",
			i, seg.Compression, seg.Count, seg.CompressedSize, seg.Checksum, status)
	}
	fmt.Fprintf(d.out, "Appended lines: %d\n", appended)
	fmt.Fprintln(d.out, "---")
	fmt.Fprintf(d.out, "Total records: %d\n", info.Records)
	return nil
}
