package main

import (
	"errors"
	"fmt"

	"github.com/dratasich/flightrelay/events"
	"github.com/dratasich/flightrelay/store"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// newPushCmd creates the "flightrelay push" subcommand, which appends one
// command to the command store the way an operator tool would.
func newPushCmd(a *app) *cobra.Command {
	var raw string
	var flat events.FlatCommand

	cmd := &cobra.Command{
		Use:   "push",
		Short: "Append a command to the command file",
		Example: "  flightrelay push --roll 1500 --pitch 1500 --throttle 1000 --yaw 1500\n" +
			`  flightrelay push --json '{"pid_values": {"P": {"roll": 0.4, "pitch": 0.4, "throttle": 1, "yaw": 0.2}}}'`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			command, err := buildCommand(cmd, raw, flat)
			if err != nil {
				return err
			}
			if err := store.Append(a.cfg.Command.StorePath, command, a.cfg.Command.HistoryLimit); err != nil {
				return err
			}
			log.Info().Msgf("Queued %s command in %s: %s", command.Form(), a.cfg.Command.StorePath, command)
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVar(&raw, "json", "", "command as a JSON object, used verbatim")
	f.IntVar(&flat.Roll, "roll", 0, "roll RC value")
	f.IntVar(&flat.Pitch, "pitch", 0, "pitch RC value")
	f.IntVar(&flat.Throttle, "throttle", 0, "throttle RC value")
	f.IntVar(&flat.Yaw, "yaw", 0, "yaw RC value")
	f.Float64Var(&flat.PIDX, "pid-x", 0, "PID output x")
	f.Float64Var(&flat.PIDY, "pid-y", 0, "PID output y")
	f.Float64Var(&flat.PIDZ, "pid-z", 0, "PID output z")
	f.Float64Var(&flat.PIDYaw, "pid-yaw", 0, "PID output yaw")
	return cmd
}

var flatFlags = []string{"roll", "pitch", "throttle", "yaw", "pid-x", "pid-y", "pid-z", "pid-yaw"}

func buildCommand(cmd *cobra.Command, raw string, flat events.FlatCommand) (events.Command, error) {
	anyFlat := false
	for _, name := range flatFlags {
		if cmd.Flags().Changed(name) {
			anyFlat = true
			break
		}
	}
	switch {
	case raw != "" && anyFlat:
		return events.Command{}, errors.New("--json cannot be combined with the field flags")
	case raw != "":
		command, err := events.ParseCommand([]byte(raw))
		if err != nil {
			return events.Command{}, fmt.Errorf("--json: %w", err)
		}
		if command.Form() == events.FormUnknown {
			log.Warn().Msgf("Command has neither flat nor structured keys: %s", command)
		}
		return command, nil
	case anyFlat:
		return events.NewFlatCommand(flat), nil
	default:
		return events.Command{}, errors.New("nothing to push: set --json or the field flags")
	}
}
