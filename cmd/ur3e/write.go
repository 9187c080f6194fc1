package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func (a *app) newWriteCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "write <host> <channel> <high|low>",
		Aliases: []string{"w"},
		Short:   "Drive a digital output (FC05)",
		Long: `Drive one digital output of the controller high or low using function
code 05. The write succeeds only when the controller echoes the request.`,
		Example: `  ur3e write 192.168.1.10 0 high
  ur3e write 192.168.1.10 7 low --recovery none`,
		Args: cobra.ExactArgs(3),
		RunE: a.runWrite,
	}
}

func (a *app) runWrite(cmd *cobra.Command, args []string) error {
	host := args[0]
	channel, addr, err := a.coilAddress(args[1])
	if err != nil {
		return err
	}
	value, err := parseLevel(args[2])
	if err != nil {
		return err
	}

	client, err := a.createClient(host)
	if err != nil {
		return err
	}
	defer client.Close()
	if a.v.GetBool("stats") {
		defer a.outputStats(client.Metrics())
	}

	ctx := cmd.Context()
	if err := client.Connect(ctx); err != nil {
		return fmt.Errorf("connection failed: %w", err)
	}

	if err := client.WriteCoil(ctx, addr, value); err != nil {
		return fmt.Errorf("write coil failed: %w", err)
	}

	a.exitCode = exitOK
	return a.outputCoil(coilResult{
		Op:      "write",
		Host:    client.Address(),
		Channel: channel,
		Address: addr,
		Value:   value,
	})
}

func parseLevel(s string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "high", "on", "1", "true":
		return true, nil
	case "low", "off", "0", "false":
		return false, nil
	default:
		return false, fmt.Errorf("invalid level %q: must be high or low", s)
	}
}
