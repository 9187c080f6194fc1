package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/cobra"

	modbus "github.com/edgeo-scada/ur3e"
)

func (a *app) newWatchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch <host> <channel>",
		Short: "Poll a digital output and report changes",
		Long: `Poll one digital output at a fixed interval until interrupted or until
--count polls have been made. Failed polls are counted and reported in the
summary; the exit status is that of the last successful read.`,
		Example: `  ur3e watch 192.168.1.10 3 -i 500ms
  ur3e watch 192.168.1.10 3 -n 10 -o json`,
		Args: cobra.ExactArgs(2),
		RunE: a.runWatch,
	}
	cmd.Flags().DurationP("interval", "i", time.Second, "Polling interval")
	cmd.Flags().IntP("count", "n", 0, "Stop after this many polls (0 = until interrupted)")
	return cmd
}

type watchState struct {
	client    *modbus.Client
	addr      uint16
	channel   int
	startTime time.Time

	iteration    int
	successCount int
	errorCount   int
	changes      int
	prev         *bool
	lastErr      error
}

func (a *app) runWatch(cmd *cobra.Command, args []string) error {
	channel, addr, err := a.coilAddress(args[1])
	if err != nil {
		return err
	}
	interval, _ := cmd.Flags().GetDuration("interval")
	count, _ := cmd.Flags().GetInt("count")
	if interval <= 0 {
		return fmt.Errorf("invalid interval %s", interval)
	}

	client, err := a.createClient(args[0])
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

	state := &watchState{
		client:    client,
		addr:      addr,
		channel:   channel,
		startTime: time.Now(),
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

loop:
	for {
		a.poll(ctx, state)
		if count > 0 && state.iteration >= count {
			break
		}

		select {
		case <-ctx.Done():
			break loop
		case <-ticker.C:
		}
	}

	a.printWatchSummary(state)

	if state.prev == nil {
		if state.lastErr == nil {
			state.lastErr = errors.New("no poll completed")
		}
		return fmt.Errorf("watch failed: %w", state.lastErr)
	}
	if *state.prev {
		a.exitCode = exitHigh
	} else {
		a.exitCode = exitLow
	}
	return nil
}

func (a *app) poll(ctx context.Context, s *watchState) {
	s.iteration++

	value, err := s.client.ReadCoil(ctx, s.addr)
	now := time.Now()
	if err != nil {
		s.errorCount++
		s.lastErr = err
		a.logger.Warn("poll failed", slog.Int("iteration", s.iteration), slog.String("error", err.Error()))
		return
	}
	s.successCount++

	changed := s.prev != nil && *s.prev != value
	if changed {
		s.changes++
	}
	s.prev = &value

	if a.v.GetString("output") == "json" {
		data := struct {
			Timestamp string `json:"timestamp"`
			Iteration int    `json:"iteration"`
			Channel   int    `json:"channel"`
			Address   uint16 `json:"address"`
			Value     bool   `json:"value"`
			Changed   bool   `json:"changed"`
		}{
			Timestamp: now.Format(time.RFC3339Nano),
			Iteration: s.iteration,
			Channel:   s.channel,
			Address:   s.addr,
			Value:     value,
			Changed:   changed,
		}
		json.NewEncoder(a.stdout).Encode(data)
		return
	}

	status := a.color(colorRed, "LOW")
	if value {
		status = a.color(colorGreen, "HIGH")
	}
	change := ""
	if changed {
		change = " " + a.color(colorBold, "->"+level(value))
	}
	fmt.Fprintf(a.stdout, "%s  output %d (coil %d)  %s%s\n",
		now.Format("15:04:05.000"), s.channel, s.addr, status, change)
}

func (a *app) printWatchSummary(s *watchState) {
	if a.v.GetString("output") == "json" {
		return
	}
	duration := time.Since(s.startTime)
	fmt.Fprintln(a.stdout)
	fmt.Fprintln(a.stdout, a.color(colorBold, "Watch Summary"))
	fmt.Fprintln(a.stdout, strings.Repeat("-", 30))
	fmt.Fprintf(a.stdout, "Duration:    %s\n", duration.Round(time.Millisecond))
	fmt.Fprintf(a.stdout, "Polls:       %d\n", s.iteration)
	fmt.Fprintf(a.stdout, "Success:     %d\n", s.successCount)
	fmt.Fprintf(a.stdout, "Errors:      %d\n", s.errorCount)
	fmt.Fprintf(a.stdout, "Changes:     %d\n", s.changes)
}
