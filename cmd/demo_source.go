package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/CybercentreCanada/clue/internal/plugin"
	"github.com/CybercentreCanada/clue/internal/server"
)

var demoSourceCmd = &cobra.Command{
	Use:   "demo-source",
	Short: "Run the demo enrichment source",
	Long: `Run a self-contained enrichment source that answers every lookup with a
fixed result and exposes sample actions and fetchers. Useful for trying the
gateway end to end.

Example:
  clue demo-source --bind 127.0.0.1:8001 --name demo
  echo '{"name":"demo","url":"http://127.0.0.1:8001"}' > demo.json
  clue register demo.json`,
	RunE: runDemoSource,
}

var (
	demoBind           string
	demoName           string
	demoClassification string
	demoAnonymous      bool
)

func init() {
	rootCmd.AddCommand(demoSourceCmd)

	demoSourceCmd.Flags().StringVar(&demoBind, "bind", "127.0.0.1:8001", "Bind address for the demo source")
	demoSourceCmd.Flags().StringVar(&demoName, "name", "demo", "Source name")
	demoSourceCmd.Flags().StringVar(&demoClassification, "classification", "TLP:CLEAR", "Classification of the returned data")
	demoSourceCmd.Flags().BoolVar(&demoAnonymous, "allow-anonymous", false, "Accept requests without a bearer token")
}

func runDemoSource(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cfg, err := GetConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)
	defer logger.Sync()

	var modify []func(*plugin.Options)
	if demoAnonymous {
		modify = append(modify, func(o *plugin.Options) { o.ValidateToken = plugin.AllowAnonymous })
	}
	p, err := plugin.NewDemo(demoName, demoClassification, logger, modify...)
	if err != nil {
		return fmt.Errorf("failed to build demo source: %w", err)
	}
	srv := server.New(server.Options{Bind: demoBind, Logger: logger}, p.Handler())
	if err := srv.Start(ctx); err != nil {
		return err
	}
	logger.Info("demo source ready", zap.String("name", demoName), zap.String("addr", "http://"+srv.Addr()))

	<-ctx.Done()
	return nil
}
