package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"lakecommons.ai/internal/persistence/indexdb"
	"lakecommons.ai/internal/persistence/report"
)

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "db":
			dbCmd(os.Args[2:])
			return
		case "validate":
			validateCmd(os.Args[2:])
			return
		case "state":
			stateCmd(os.Args[2:])
			return
		case "list":
			listCmd(os.Args[2:])
			return
		}
	}
	listCmd(os.Args[1:])
}

// listCmd prints indexed runs, or the run directories when no index exists.
func listCmd(args []string) {
	fs := flag.NewFlagSet("admin", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	dbPath := fs.String("db", "", "sqlite db path (default: <data>/index/runs.sqlite)")
	limit := fs.Int("limit", 50, "result limit")
	_ = fs.Parse(args)

	path := strings.TrimSpace(*dbPath)
	if path == "" {
		path = defaultDBPath(*dataDir)
	}
	rd, err := indexdb.OpenReader(path)
	if err == nil {
		defer rd.Close()
		runs, err := rd.ListRuns(context.Background(), *limit)
		if err != nil {
			fmt.Fprintln(os.Stderr, "list runs:", err)
			os.Exit(1)
		}
		for _, r := range runs {
			printJSON(r)
		}
		return
	}

	entries, err := os.ReadDir(filepath.Join(*dataDir, "runs"))
	if err != nil {
		fmt.Fprintln(os.Stderr, "read:", err)
		os.Exit(1)
	}
	for _, e := range entries {
		if e.IsDir() {
			fmt.Println(e.Name())
		}
	}
}

// validateCmd checks report files against the report schema.
func validateCmd(args []string) {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	schemasDir := fs.String("schemas", "./schemas", "schema directory")
	runID := fs.String("run", "", "validate <data>/runs/<run>/report.json")
	all := fs.Bool("all", false, "validate every report under <data>/runs")
	_ = fs.Parse(args)

	var paths []string
	paths = append(paths, fs.Args()...)
	if strings.TrimSpace(*runID) != "" {
		paths = append(paths, filepath.Join(*dataDir, "runs", *runID, report.FileName))
	}
	if *all {
		found, err := filepath.Glob(filepath.Join(*dataDir, "runs", "*", report.FileName))
		if err != nil {
			fmt.Fprintln(os.Stderr, "glob:", err)
			os.Exit(1)
		}
		sort.Strings(found)
		paths = append(paths, found...)
	}
	if len(paths) == 0 {
		fmt.Fprintln(os.Stderr, "usage: admin validate [-schemas ./schemas] [-run RUN | -all | report.json...]")
		os.Exit(2)
	}

	schema, err := jsonschema.Compile(filepath.Join(*schemasDir, "report.schema.json"))
	if err != nil {
		fmt.Fprintln(os.Stderr, "compile schema:", err)
		os.Exit(1)
	}

	failed := 0
	for _, p := range paths {
		if err := validateFile(schema, p); err != nil {
			failed++
			fmt.Printf("FAIL %s: %v\n", p, err)
			continue
		}
		fmt.Printf("ok   %s\n", p)
	}
	if failed > 0 {
		os.Exit(1)
	}
}

func validateFile(schema *jsonschema.Schema, path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	if err := schema.Validate(v); err != nil {
		return err
	}
	// The typed decoder is stricter about harvest_efficiency than the schema.
	_, err = report.Read(path)
	return err
}

func defaultDBPath(dataDir string) string {
	return filepath.Join(dataDir, "index", "runs.sqlite")
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}
