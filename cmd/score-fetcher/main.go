// Command score-fetcher imports osu! players' score histories under a shared
// upstream rate limit.
package main

import (
	"fmt"
	"os"

	"github.com/Sternrassler/osu-score-fetcher/internal/config"
	"github.com/Sternrassler/osu-score-fetcher/pkg/logging"
	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// app carries state shared by all subcommands.
type app struct {
	configPath string
	cfg        *config.Config
}

func newRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:   "score-fetcher",
		Short: "Import osu! score histories under a shared rate limit",
		Long: `score-fetcher runs a bounded pool of fetch workers that import the
complete score history of registered osu! players. All workers share one
upstream call budget; requests are queued and admitted through an HTTP admin API.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(a.configPath)
			if err != nil {
				return err
			}
			a.cfg = cfg

			logging.Setup(logging.Config{
				Level:  logging.LogLevel(cfg.Log.Level),
				Pretty: cfg.Log.Pretty,
				Output: cmd.ErrOrStderr(),
			})
			return nil
		},
	}

	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", "", "config file (default ./config.yaml or /etc/score-fetcher/config.yaml)")

	root.AddCommand(
		newServeCmd(a),
		newRegisterCmd(a),
		newCheckpointsCmd(a),
	)
	return root
}
