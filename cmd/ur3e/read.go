package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func (a *app) newReadCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "read <host> <channel>",
		Aliases: []string{"r"},
		Short:   "Read a digital output (FC01)",
		Long: `Read one digital output of the controller using function code 01.
The exit status is 0 when the output is low and 1 when it is high.`,
		Example: `  ur3e read 192.168.1.10 3
  ur3e read 192.168.1.10 3 -o json`,
		Args: cobra.ExactArgs(2),
		RunE: a.runRead,
	}
}

func (a *app) runRead(cmd *cobra.Command, args []string) error {
	host := args[0]
	channel, addr, err := a.coilAddress(args[1])
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

	value, err := client.ReadCoil(ctx, addr)
	if err != nil {
		return fmt.Errorf("read coil failed: %w", err)
	}

	if value {
		a.exitCode = exitHigh
	} else {
		a.exitCode = exitLow
	}

	return a.outputCoil(coilResult{
		Op:      "read",
		Host:    client.Address(),
		Channel: channel,
		Address: addr,
		Value:   value,
	})
}
