package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	persistlog "lakecommons.ai/internal/persistence/log"
	"lakecommons.ai/internal/persistence/report"
	"lakecommons.ai/internal/protocol"
	"lakecommons.ai/internal/sim/replay"
)

func main() {
	var (
		dataDir    = flag.String("data", "./data", "runtime data directory")
		runID      = flag.String("run", "", "run id (uses <data>/runs/<run>)")
		eventsDir  = flag.String("events", "", "events dir containing events-*.jsonl.zst (overrides -run)")
		reportPath = flag.String("report", "", "report.json to compare against (default: <run>/report.json)")
		printTicks = flag.Bool("print_ticks", false, "print one line per TICK record")
		printJSON  = flag.Bool("json", false, "print the rebuilt report as JSON")
	)
	flag.Parse()

	dir := strings.TrimSpace(*eventsDir)
	rp := strings.TrimSpace(*reportPath)
	if dir == "" {
		if strings.TrimSpace(*runID) == "" {
			fmt.Fprintln(os.Stderr, "missing -run or -events")
			os.Exit(2)
		}
		runDir := filepath.Join(*dataDir, "runs", *runID)
		dir = persistlog.EventsDir(runDir)
		if rp == "" {
			rp = filepath.Join(runDir, report.FileName)
		}
	}

	lines, err := persistlog.ReadRecords(dir)
	if err != nil {
		fmt.Fprintln(os.Stderr, "read events:", err)
		os.Exit(1)
	}
	if *printTicks {
		if err := printTickLines(lines); err != nil {
			fmt.Fprintln(os.Stderr, "print ticks:", err)
			os.Exit(1)
		}
	}

	rebuilt, err := replay.Rebuild(lines)
	if err != nil {
		fmt.Fprintln(os.Stderr, "replay:", err)
		os.Exit(1)
	}
	fmt.Printf("replay ok: run=%s records=%d outcome=%s survival=%d final_stock=%.3f efficiency=%s gini=%.4f\n",
		rebuilt.RunID, len(lines), rebuilt.Outcome, rebuilt.SurvivalTicks, rebuilt.FinalStock,
		rebuilt.HarvestEfficiency.String(), rebuilt.Gini)
	if *printJSON {
		b, _ := json.MarshalIndent(rebuilt, "", "  ")
		fmt.Println(string(b))
	}

	if rp == "" {
		return
	}
	stored, err := report.Read(rp)
	if err != nil {
		fmt.Fprintln(os.Stderr, "read report:", err)
		os.Exit(1)
	}
	diff, err := replay.Diff(stored, rebuilt)
	if err != nil {
		fmt.Fprintln(os.Stderr, "diff:", err)
		os.Exit(1)
	}
	if len(diff) > 0 {
		fmt.Fprintf(os.Stderr, "report mismatch (%s): %s\n", filepath.Base(rp), strings.Join(diff, ", "))
		os.Exit(1)
	}
	fmt.Printf("report matches %s\n", rp)
}

func printTickLines(lines [][]byte) error {
	for _, line := range lines {
		base, err := protocol.DecodeBase(line)
		if err != nil {
			return err
		}
		if base.Type != protocol.TypeTick {
			continue
		}
		var t protocol.TickRecord
		if err := json.Unmarshal(line, &t); err != nil {
			return err
		}
		var granted float64
		for _, h := range t.Harvests {
			granted += h.Granted
		}
		flags := ""
		if t.Collapsed {
			flags += " collapsed"
		}
		if t.CycleEnded {
			flags += " cycle_end"
		}
		fmt.Printf("tick=%d cycle=%d phase=%s stock=%.3f regen=%.3f harvested=%.3f messages=%d%s\n",
			t.Tick, t.Cycle, t.Phase, t.Stock, t.Regenerated, granted, len(t.Messages), flags)
	}
	return nil
}
