package cmd

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/CybercentreCanada/clue/internal/config"
	"github.com/CybercentreCanada/clue/internal/store"
)

// listCmd represents the list command
var listCmd = &cobra.Command{
	Use:   "list [sources|audit]",
	Short: "List sources and audit entries",
	Long: `List the configured and registered sources, or the audit trail of
actions, fetches and registrations, in a simple text format.

Examples:
  # List every source known to the gateway
  clue list sources

  # List the ten most recent action executions
  clue list audit --action execute_action --limit 10

  # List audit entries since a point in time
  clue list audit --since 2026-01-02T15:04:05Z`,
	Args:      cobra.MaximumNArgs(1),
	ValidArgs: []string{"sources", "audit"},
	RunE:      runList,
}

var (
	listLimit  int
	listAction string
	listTarget string
	listSince  string
)

func init() {
	rootCmd.AddCommand(listCmd)

	listCmd.Flags().IntVar(&listLimit, "limit", 20, "Maximum number of audit entries to show")
	listCmd.Flags().StringVar(&listAction, "action", "", "Only show audit entries for this action")
	listCmd.Flags().StringVar(&listTarget, "target", "", "Only show audit entries for this target")
	listCmd.Flags().StringVar(&listSince, "since", "", "Only show audit entries since RFC3339 time")
}

func runList(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cfg, err := GetConfig()
	if err != nil {
		return err
	}

	target := "sources"
	if len(args) > 0 {
		target = strings.ToLower(args[0])
	}

	switch target {
	case "sources":
		logger := newLogger(cfg)
		defer logger.Sync()
		return listSources(ctx, cfg, logger)
	case "audit":
		if cfg.Database.Path == "" {
			return fmt.Errorf("auditing is disabled: no database path configured")
		}
		filter := store.AuditFilter{Action: listAction, Target: listTarget, Limit: listLimit}
		if listSince != "" {
			since, err := time.Parse(time.RFC3339, listSince)
			if err != nil {
				return fmt.Errorf("invalid --since value: %w", err)
			}
			filter.Since = since
		}
		st, err := store.NewStore(cfg.Database.Path)
		if err != nil {
			return fmt.Errorf("failed to initialize store: %w", err)
		}
		defer st.Close()
		return listAudit(ctx, st, filter)
	default:
		return fmt.Errorf("invalid list type: %s (must be 'sources' or 'audit')", target)
	}
}

func listSources(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	s, err := openShared(ctx, cfg, false, logger)
	if err != nil {
		return err
	}
	defer s.Close()

	reg, err := openRegistry(ctx, cfg, s, logger)
	if err != nil {
		return err
	}

	sources := reg.List()
	sort.Slice(sources, func(i, j int) bool { return sources[i].Name < sources[j].Name })
	if len(sources) == 0 {
		fmt.Println("No sources found.")
		return nil
	}

	fmt.Printf("%-20s %-8s %-12s %-12s %s\n", "NAME", "ORIGIN", "C12N", "MAX C12N", "URL")
	fmt.Println(strings.Repeat("-", 90))
	for _, src := range sources {
		origin := "runtime"
		if src.BuiltIn {
			origin = "config"
		}
		fmt.Printf("%-20s %-8s %-12s %-12s %s\n",
			truncate(src.Name, 20), origin, src.Classification, src.MaxClassification, src.URL)
	}
	fmt.Printf("\nTotal: %d sources\n", len(sources))
	return nil
}

func listAudit(ctx context.Context, st *store.Store, filter store.AuditFilter) error {
	entries, err := st.ListAuditEntries(ctx, filter)
	if err != nil {
		return fmt.Errorf("failed to list audit entries: %w", err)
	}
	if len(entries) == 0 {
		fmt.Println("No audit entries found.")
		return nil
	}

	fmt.Printf("%-20s %-20s %-20s %-24s %s\n", "TIME", "ACTION", "ACTOR", "TARGET", "OUTCOME")
	fmt.Println(strings.Repeat("-", 100))
	for _, e := range entries {
		fmt.Printf("%-20s %-20s %-20s %-24s %s\n",
			e.Timestamp.Local().Format("2006-01-02 15:04:05"),
			truncate(e.Action, 20),
			truncate(e.Actor, 20),
			truncate(e.Target, 24),
			e.Outcome)
	}
	fmt.Printf("\nTotal: %d entries\n", len(entries))
	return nil
}

// truncate shortens s to n runes, marking the cut with "...".
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	if n <= 3 {
		return string(r[:n])
	}
	return string(r[:n-3]) + "..."
}
