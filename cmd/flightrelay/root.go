package main

import (
	"fmt"

	"github.com/dratasich/flightrelay/config"
	"github.com/spf13/cobra"
)

// app carries the configuration loaded once at startup to every subcommand
type app struct {
	configPath string
	logLevel   string
	cfg        config.Config
}

// newRootCmd creates the root flightrelay command with all subcommands attached.
func newRootCmd() *cobra.Command {
	a := &app{}
	cmd := &cobra.Command{
		Use:   "flightrelay",
		Short: "Relay flight commands to a vehicle and record its telemetry",
		Long: "flightrelay forwards the newest command written to the command file to the\n" +
			"vehicle over UDP and persists the telemetry the vehicle streams back.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.load()
		},
	}

	cmd.PersistentFlags().StringVarP(&a.configPath, "config", "c", "relay.yaml", "path to the YAML configuration")
	cmd.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "override log.level from the configuration")

	cmd.AddCommand(
		newRunCmd(a),
		newSendCmd(a),
		newServeCmd(a),
		newPushCmd(a),
		newTailCmd(a),
	)
	return cmd
}

func (a *app) load() error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	if a.logLevel != "" {
		cfg.Log.Level = a.logLevel
	}
	if err := setupLogging(cfg.Log, nil); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	a.cfg = cfg
	return nil
}
