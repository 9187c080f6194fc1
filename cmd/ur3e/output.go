package main

import (
	"encoding/json"
	"fmt"
	"log/slog"

	modbus "github.com/edgeo-scada/ur3e"
)

// Color codes
const (
	colorReset = "\033[0m"
	colorRed   = "\033[31m"
	colorGreen = "\033[32m"
	colorBold  = "\033[1m"
)

func (a *app) color(c, s string) string {
	if a.v.GetBool("no-color") {
		return s
	}
	return c + s + colorReset
}

type coilResult struct {
	Op      string `json:"op"`
	Host    string `json:"host"`
	Channel int    `json:"channel"`
	Address uint16 `json:"address"`
	Value   bool   `json:"value"`
	Level   string `json:"level"`
}

func level(v bool) string {
	if v {
		return "high"
	}
	return "low"
}

func (a *app) outputCoil(r coilResult) error {
	r.Level = level(r.Value)

	if a.v.GetString("output") == "json" {
		enc := json.NewEncoder(a.stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(r)
	}

	levelStr := a.color(colorRed, "LOW")
	if r.Value {
		levelStr = a.color(colorGreen, "HIGH")
	}

	switch r.Op {
	case "write":
		fmt.Fprintf(a.stdout, "%s Output %d (coil %d) on %s set %s\n",
			a.color(colorGreen, "OK"), r.Channel, r.Address, r.Host, levelStr)
	default:
		fmt.Fprintf(a.stdout, "%s %d (coil %d) on %s is %s\n",
			a.color(colorBold, "Output"), r.Channel, r.Address, r.Host, levelStr)
	}
	return nil
}

func (a *app) outputError(err error) {
	fmt.Fprintln(a.stderr, a.color(colorRed, "ERROR")+" "+err.Error())
}

func (a *app) outputStats(m *modbus.Metrics) {
	enc := json.NewEncoder(a.stderr)
	enc.SetIndent("", "  ")
	if err := enc.Encode(m.Collect()); err != nil {
		a.logger.Warn("encoding metrics", slog.String("error", err.Error()))
	}
}
