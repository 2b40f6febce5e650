package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"lakecommons.ai/internal/persistence/indexdb"
)

func dbCmd(args []string) {
	fs := flag.NewFlagSet("db", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	dbPath := fs.String("db", "", "sqlite db path (optional)")
	runID := fs.String("run", "", "run id (required for per-run queries)")
	fromTick := fs.Uint64("from_tick", 0, "first tick (ticks)")
	toTick := fs.Uint64("to_tick", 0, "last tick, 0 for all (ticks)")
	limit := fs.Int("limit", 20, "result limit")
	_ = fs.Parse(args)

	q := "runs"
	if fs.NArg() > 0 {
		q = strings.TrimSpace(fs.Arg(0))
	}

	path := strings.TrimSpace(*dbPath)
	if path == "" {
		path = defaultDBPath(*dataDir)
	}
	rd, err := indexdb.OpenReader(path)
	if err != nil {
		fmt.Fprintln(os.Stderr, "open:", err)
		os.Exit(1)
	}
	defer rd.Close()
	ctx := context.Background()

	needRun := func() string {
		id := strings.TrimSpace(*runID)
		if id == "" {
			fmt.Fprintln(os.Stderr, "missing -run")
			os.Exit(2)
		}
		return id
	}

	switch q {
	case "runs":
		runs, err := rd.ListRuns(ctx, *limit)
		if err != nil {
			fmt.Fprintln(os.Stderr, "query:", err)
			os.Exit(1)
		}
		for _, r := range runs {
			printJSON(r)
		}

	case "report":
		rep, err := rd.Report(ctx, needRun())
		if err != nil {
			fmt.Fprintln(os.Stderr, "report:", err)
			os.Exit(1)
		}
		printJSON(rep)

	case "ticks":
		ticks, err := rd.Ticks(ctx, needRun(), *fromTick, *toTick)
		if err != nil {
			fmt.Fprintln(os.Stderr, "query:", err)
			os.Exit(1)
		}
		for _, t := range ticks {
			printJSON(t)
		}

	case "series":
		series, err := rd.StockSeries(ctx, needRun())
		if err != nil {
			fmt.Fprintln(os.Stderr, "query:", err)
			os.Exit(1)
		}
		for _, p := range series {
			printJSON(p)
		}

	case "gains":
		gains, err := rd.AgentGains(ctx, needRun())
		if err != nil {
			fmt.Fprintln(os.Stderr, "query:", err)
			os.Exit(1)
		}
		printJSON(gains)

	case "outcomes":
		rows, err := rd.DB().QueryContext(ctx, `SELECT COALESCE(outcome,'Unresolved'), COUNT(*), AVG(survival_ticks), AVG(gini)
			FROM runs GROUP BY 1 ORDER BY 1`)
		if err != nil {
			fmt.Fprintln(os.Stderr, "query:", err)
			os.Exit(1)
		}
		defer rows.Close()
		for rows.Next() {
			var r struct {
				Outcome      string   `json:"outcome"`
				Runs         int      `json:"runs"`
				MeanSurvival *float64 `json:"mean_survival_ticks"`
				MeanGini     *float64 `json:"mean_gini"`
			}
			if err := rows.Scan(&r.Outcome, &r.Runs, &r.MeanSurvival, &r.MeanGini); err != nil {
				fmt.Fprintln(os.Stderr, "scan:", err)
				os.Exit(1)
			}
			printJSON(r)
		}
		if err := rows.Err(); err != nil {
			fmt.Fprintln(os.Stderr, "rows:", err)
			os.Exit(1)
		}

	default:
		fmt.Fprintln(os.Stderr, "unknown query:", q)
		fmt.Fprintln(os.Stderr, "usage: admin db [-data ./data|-db PATH] [-run RUN] runs|report|ticks|series|gains|outcomes")
		os.Exit(2)
	}
}
