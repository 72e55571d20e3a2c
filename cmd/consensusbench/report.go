package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"

	"github.com/gateway-fm/consensusbench/internal/storage"
	"github.com/gateway-fm/consensusbench/pkg/types"
)

const historyLimit = 20

// printReport writes the per-node table and the run summary.
func printReport(w io.Writer, res *types.RunResult) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"NODE", "ENDPOINT", "PEERS", "STATUS", "QUERIES", "SWEEP"})
	table.SetAutoFormatHeaders(false)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	for _, n := range res.Nodes {
		sweep := "-"
		if n.SweepSuccess > 0 {
			sweep = strconv.Itoa(n.SweepSuccess)
		}
		status := string(n.LastStatus)
		if status == "" {
			status = "-"
		}
		table.Append([]string{
			n.Name,
			n.Endpoint,
			strconv.Itoa(n.PeerCount),
			status,
			strconv.Itoa(n.Queries),
			sweep,
		})
	}
	if len(res.Nodes) > 0 {
		table.Render()
	}

	fmt.Fprintf(w, "run:          %s\n", res.ID)
	fmt.Fprintf(w, "status:       %s\n", res.Status)
	fmt.Fprintf(w, "nodes:        %d\n", res.NumNodes)
	fmt.Fprintf(w, "transactions: %d\n", res.NumTransactions)
	if res.TargetHash != "" {
		fmt.Fprintf(w, "target:       %s\n", res.TargetHash)
	}
	if !res.MeasureStart.IsZero() {
		fmt.Fprintf(w, "start:        %s\n", res.MeasureStart.UTC().Format(time.RFC3339Nano))
	}
	if !res.MeasureEnd.IsZero() {
		fmt.Fprintf(w, "end:          %s\n", res.MeasureEnd.UTC().Format(time.RFC3339Nano))
	}
	if res.Status == types.StatusCompleted {
		fmt.Fprintf(w, "elapsed:      %.1f ms\n", res.ElapsedMs)
		fmt.Fprintf(w, "throughput:   %.2f tx/s\n", res.TPS)
		fmt.Fprintf(w, "sweeps:       %d\n", res.Sweeps)
	}
	if l := res.SubmitLatency; l != nil && l.Count > 0 {
		fmt.Fprintf(w, "submit:       avg %.2f ms, p50 %.2f ms, p99 %.2f ms\n", l.Avg, l.P50, l.P99)
	}
	if res.FailureKind != types.FailureNone {
		fmt.Fprintf(w, "failure:      %s at %s: %s\n", res.FailureKind, res.FailedStage, res.ErrorMessage)
	}
	if res.TeardownError != "" {
		fmt.Fprintf(w, "teardown:     %s\n", res.TeardownError)
	}
}

// printHistory lists the most recent stored runs.
func printHistory(store storage.Storage, logger *slog.Logger) int {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	page, err := store.ListRuns(ctx, historyLimit, 0)
	if err != nil {
		logger.Error("failed to list runs", "error", err)
		return 1
	}
	writeHistory(os.Stdout, page)
	return 0
}

func writeHistory(w io.Writer, page *storage.PaginatedRuns) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"ID", "STARTED", "STATUS", "NODES", "TXS", "ELAPSED MS", "TPS", "FAILURE"})
	table.SetAutoFormatHeaders(false)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	for _, r := range page.Runs {
		table.Append([]string{
			r.ID,
			r.StartedAt.Local().Format(time.DateTime),
			string(r.Status),
			strconv.Itoa(r.NumNodes),
			strconv.Itoa(r.NumTransactions),
			strconv.FormatFloat(r.ElapsedMs, 'f', 1, 64),
			strconv.FormatFloat(r.TPS, 'f', 2, 64),
			string(r.FailureKind),
		})
	}
	table.Render()
	fmt.Fprintf(w, "%d of %d runs\n", len(page.Runs), page.Total)
}
