package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/tahopetis/archzero/internal/application"
	"github.com/tahopetis/archzero/internal/domain"
	"github.com/tahopetis/archzero/internal/reconcile"
)

func printJSON(v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(b))
	return nil
}

func printKV(rows [][2]string) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	for _, row := range rows {
		_, _ = fmt.Fprintf(w, "%s\t%s\n", row[0], row[1])
	}
	_ = w.Flush()
}

func printTable(headers []string, rows [][]string) {
	if len(rows) == 0 {
		fmt.Println("no results")
		return
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, strings.Join(headers, "\t"))
	for _, row := range rows {
		_, _ = fmt.Fprintln(w, strings.Join(row, "\t"))
	}
	_ = w.Flush()
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Format("2006-01-02 15:04:05")
}

func formatMaybeTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return formatTime(*t)
}

func formatMaybeFloat(v *float64) string {
	if v == nil {
		return "-"
	}
	return strconv.FormatFloat(*v, 'f', -1, 64)
}

func printCards(items []domain.Card) {
	rows := make([][]string, 0, len(items))
	for _, item := range items {
		rows = append(rows, []string{
			item.ID,
			string(item.Kind),
			item.Name,
			string(item.LifecyclePhase),
			string(item.Status),
			formatTime(item.UpdatedAt),
		})
	}
	printTable([]string{"ID", "KIND", "NAME", "PHASE", "STATUS", "UPDATED_AT"}, rows)
}

func printCard(item domain.Card) {
	owner := "-"
	if item.OwnerID != nil {
		owner = *item.OwnerID
	}
	printKV([][2]string{
		{"id", item.ID},
		{"name", item.Name},
		{"kind", string(item.Kind)},
		{"phase", string(item.LifecyclePhase)},
		{"status", string(item.Status)},
		{"tags", strings.Join(item.Tags, ",")},
		{"owner", owner},
		{"updated_at", formatTime(item.UpdatedAt)},
	})
}

func printRelationships(items []domain.Relationship) {
	rows := make([][]string, 0, len(items))
	for _, item := range items {
		rows = append(rows, []string{
			item.ID,
			item.FromCardID,
			string(item.Kind),
			item.ToCardID,
			formatTime(item.ValidFrom),
			formatMaybeTime(item.ValidTo),
			formatMaybeFloat(item.Confidence),
		})
	}
	printTable([]string{"ID", "FROM", "KIND", "TO", "VALID_FROM", "VALID_TO", "CONFIDENCE"}, rows)
}

func printTraversal(hops []domain.TraversalHop) {
	rows := make([][]string, 0, len(hops))
	for _, hop := range hops {
		rows = append(rows, []string{
			strconv.Itoa(hop.Depth),
			hop.FromName,
			string(hop.Kind),
			hop.ToName,
			hop.ToID,
		})
	}
	printTable([]string{"DEPTH", "FROM", "KIND", "TO", "TO_ID"}, rows)
}

func printFanIn(items []domain.FanIn) {
	rows := make([][]string, 0, len(items))
	for _, item := range items {
		rows = append(rows, []string{item.CardID, item.Name, strconv.Itoa(item.Count)})
	}
	printTable([]string{"CARD_ID", "NAME", "INCOMING"}, rows)
}

func printReport(report reconcile.Report) {
	if report.Clean() {
		fmt.Println("stores in sync")
		return
	}
	printKV([][2]string{
		{"missing_nodes", strings.Join(report.MissingNodes, ",")},
		{"orphan_nodes", strings.Join(report.OrphanNodes, ",")},
		{"stale_nodes", strings.Join(report.StaleNodes, ",")},
		{"missing_edges", strings.Join(report.MissingEdges, ",")},
		{"orphan_edges", strings.Join(report.OrphanEdges, ",")},
		{"stale_edges", strings.Join(report.StaleEdges, ",")},
		{"total", strconv.Itoa(report.Total())},
	})
}

func printChainResult(item application.ChainResult) {
	printKV([][2]string{
		{"card_ids", strings.Join(item.CardIDs, ",")},
		{"relationship_ids", strings.Join(item.RelationshipIDs, ",")},
	})
}
