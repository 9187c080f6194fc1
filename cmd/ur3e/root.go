package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cast"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	modbus "github.com/edgeo-scada/ur3e"
)

// app carries the state of one command line invocation.
type app struct {
	stdout io.Writer
	stderr io.Writer

	v       *viper.Viper
	cfgFile string
	logger  *slog.Logger

	exitCode int
}

func newApp(stdout, stderr io.Writer) *app {
	return &app{
		stdout: stdout,
		stderr: stderr,
		v:      viper.New(),
		logger: slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: slog.LevelWarn})),
	}
}

func (a *app) newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ur3e",
		Short: "Read and drive the digital outputs of a UR3e controller",
		Long: `ur3e reads or writes one digital output of a Universal Robots UR3e
controller through its Modbus TCP server. Outputs 0-7 are the coils starting
at address 16.

Exit status:
  read   0 output is low, 1 output is high, 255 error
  write  0 output written, 255 error

Examples:
  # Read digital output 3
  ur3e read 192.168.1.10 3

  # Drive digital output 0 high
  ur3e write 192.168.1.10 0 high`,
		Version:           version,
		Args:              cobra.NoArgs,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: a.setup,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cmd.SetOut(a.stderr)
			cmd.Help()
			return errors.New("a command is required")
		},
	}
	cmd.SetOut(a.stdout)
	cmd.SetErr(a.stderr)

	flags := cmd.PersistentFlags()
	flags.StringVar(&a.cfgFile, "config", "", "config file (default: $HOME/.ur3e.yaml)")

	// Connection flags
	flags.IntP("port", "p", modbus.DefaultPort, "Modbus server port")
	flags.Uint8P("unit", "u", uint8(modbus.DefaultUnitID), "Modbus unit ID")
	flags.DurationP("timeout", "t", modbus.DefaultResponseTimeout, "Response timeout")
	flags.Duration("connect-timeout", modbus.DefaultConnectTimeout, "Connect timeout")
	flags.String("recovery", "link,protocol", "Error recovery: none, link, protocol or link,protocol")
	flags.Duration("backoff", 100*time.Millisecond, "Pause before a recovery reconnect")
	flags.Uint16("base-address", 16, "Coil address of output 0")

	// Output flags
	flags.StringP("output", "o", "text", "Output format: text, json")
	flags.BoolP("verbose", "v", false, "Debug logging with frame dumps")
	flags.Bool("no-color", false, "Disable color output")
	flags.Bool("stats", false, "Print client metrics to stderr")

	a.v.BindPFlags(flags)

	cmd.AddCommand(a.newReadCmd())
	cmd.AddCommand(a.newWriteCmd())
	cmd.AddCommand(a.newWatchCmd())
	return cmd
}

func (a *app) setup(*cobra.Command, []string) error {
	if err := a.initConfig(); err != nil {
		return err
	}

	level := slog.LevelWarn
	if a.v.GetBool("verbose") {
		level = slog.LevelDebug
	}
	a.logger = slog.New(slog.NewTextHandler(a.stderr, &slog.HandlerOptions{
		Level: level,
	}))

	switch format := a.v.GetString("output"); format {
	case "text", "json":
	default:
		return fmt.Errorf("unknown output format %q", format)
	}
	return nil
}

func (a *app) initConfig() error {
	if a.cfgFile != "" {
		a.v.SetConfigFile(a.cfgFile)
	} else {
		if home, err := os.UserHomeDir(); err == nil {
			a.v.AddConfigPath(home)
		}
		a.v.AddConfigPath(".")
		a.v.SetConfigName(".ur3e")
		a.v.SetConfigType("yaml")
	}

	a.v.SetEnvPrefix("UR3E")
	a.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	a.v.AutomaticEnv()

	if err := a.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if a.cfgFile != "" || !errors.As(err, &notFound) {
			return fmt.Errorf("reading config: %w", err)
		}
		return nil
	}
	a.logger.Debug("using config file", slog.String("path", a.v.ConfigFileUsed()))
	return nil
}

func (a *app) createClient(host string) (*modbus.Client, error) {
	recovery, err := modbus.ParseRecoveryMode(a.v.GetString("recovery"))
	if err != nil {
		return nil, err
	}

	unit, err := a.intSetting("unit", 0, 255)
	if err != nil {
		return nil, err
	}

	addr := host
	if _, _, err := net.SplitHostPort(host); err != nil {
		port, err := a.intSetting("port", 1, 65535)
		if err != nil {
			return nil, err
		}
		addr = net.JoinHostPort(host, strconv.Itoa(port))
	}

	client, err := modbus.NewClient(addr,
		modbus.WithUnitID(modbus.UnitID(unit)),
		modbus.WithConnectTimeout(a.v.GetDuration("connect-timeout")),
		modbus.WithWriteTimeout(a.v.GetDuration("timeout")),
		modbus.WithResponseTimeout(a.v.GetDuration("timeout")),
		modbus.WithRecovery(recovery),
		modbus.WithReconnectBackoff(a.v.GetDuration("backoff")),
		modbus.WithLogger(a.logger),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create client: %w", err)
	}
	return client, nil
}

// coilAddress maps an output channel 0-7 to its coil address.
func (a *app) coilAddress(channel string) (int, uint16, error) {
	ch, err := strconv.Atoi(channel)
	if err != nil || ch < 0 || ch > 7 {
		return 0, 0, fmt.Errorf("invalid channel %q: must be 0-7", channel)
	}
	base, err := a.intSetting("base-address", 0, 0xFFFF)
	if err != nil {
		return 0, 0, err
	}
	addr := base + ch
	if addr > 0xFFFF {
		return 0, 0, fmt.Errorf("channel %d is past the last coil address", ch)
	}
	return ch, uint16(addr), nil
}

// intSetting reads an integer setting from flags, config or environment.
// Only the command line flags are range checked by pflag.
func (a *app) intSetting(key string, lo, hi int) (int, error) {
	raw := a.v.Get(key)
	n, err := cast.ToIntE(raw)
	if err != nil || n < lo || n > hi {
		return 0, fmt.Errorf("invalid %s %v: must be %d-%d", key, raw, lo, hi)
	}
	return n, nil
}
