package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/CybercentreCanada/clue/internal/registry"
	"github.com/CybercentreCanada/clue/internal/store"
)

var registerCmd = &cobra.Command{
	Use:   "register <source.json>",
	Short: "Register an external source",
	Long: `Register an external source from a JSON file. The source is stored in the
shared registry set and announced to every running gateway.

Example source.json:
  {
    "name": "virustotal",
    "url": "http://vt-plugin:8000",
    "classification": "TLP:CLEAR",
    "max_classification": "TLP:AMBER",
    "quota": 5
  }`,
	Args: cobra.ExactArgs(1),
	RunE: runRegister,
}

var removeCmd = &cobra.Command{
	Use:   "remove <name>",
	Short: "Remove a registered source",
	Args:  cobra.ExactArgs(1),
	RunE:  runRemove,
}

func init() {
	rootCmd.AddCommand(registerCmd)
	rootCmd.AddCommand(removeCmd)
}

func runRegister(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	raw, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("failed to read source file: %w", err)
	}
	var src registry.Source
	if err := json.Unmarshal(raw, &src); err != nil {
		return fmt.Errorf("failed to parse source file: %w", err)
	}

	cfg, err := GetConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)
	defer logger.Sync()

	s, err := openShared(ctx, cfg, true, logger)
	if err != nil {
		return err
	}
	defer s.Close()
	reg, err := openRegistry(ctx, cfg, s, logger)
	if err != nil {
		return err
	}

	saved, err := reg.Register(ctx, src)
	if err != nil {
		return err
	}
	recordCLIAudit(cmd, cfg.Database.Path, store.AuditEntry{
		Action:  store.ActionRegister,
		Target:  saved.Name,
		Outcome: "success",
		Details: map[string]interface{}{"url": saved.URL},
	})
	fmt.Printf("Registered %s (%s)\n", saved.Name, saved.URL)
	return nil
}

func runRemove(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cfg, err := GetConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)
	defer logger.Sync()

	s, err := openShared(ctx, cfg, true, logger)
	if err != nil {
		return err
	}
	defer s.Close()
	reg, err := openRegistry(ctx, cfg, s, logger)
	if err != nil {
		return err
	}

	removed, err := reg.Remove(ctx, args[0])
	if err != nil {
		return err
	}
	if !removed {
		fmt.Printf("No registered source named %s\n", args[0])
		return nil
	}
	recordCLIAudit(cmd, cfg.Database.Path, store.AuditEntry{
		Action:  store.ActionRemove,
		Target:  args[0],
		Outcome: "success",
	})
	fmt.Printf("Removed %s\n", args[0])
	return nil
}

// recordCLIAudit writes entry as the local operator. Failures are reported
// but do not fail the command.
func recordCLIAudit(cmd *cobra.Command, path string, entry store.AuditEntry) {
	if path == "" {
		return
	}
	st, err := store.NewStore(path)
	if err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "warning: audit disabled: %v\n", err)
		return
	}
	defer st.Close()
	entry.Actor = "cli"
	if err := st.RecordAudit(cmd.Context(), entry); err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "warning: failed to record audit entry: %v\n", err)
	}
}
