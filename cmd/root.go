/*
Copyright © 2025 Mathias Djärv <mathias.djarv@allbinary.se>
*/
package cmd

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	espserial "github.com/allbin/go-espserial"
	"github.com/allbin/go-espserial/internal/logging"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Version is set at build time with -ldflags "-X .../cmd.Version=..."
var Version = "dev"

var cfgFile string

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "espserial",
	Short: "Find, monitor and reset Espressif chips on serial ports",
	Long: `espserial discovers ESP8266/ESP32 family chips attached to serial ports,
forwards their log output and performs privileged operations such as a hard
reset while temporarily taking exclusive control of the port.

Settings are read from flags, ESPSERIAL_* environment variables and an
optional espserial.yaml in the current directory or $HOME/.config/espserial.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return initConfig()
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (default is ./espserial.yaml or $HOME/.config/espserial/espserial.yaml)")
	flags.String("target", espserial.TargetAuto, "chip target, e.g. esp32, esp32s3, esp32c3 or auto")
	flags.String("beta-target", "", "beta chip target, overrides --target")
	flags.StringP("port", "p", "", "serial port, discovered when empty")
	flags.IntP("baud", "b", 115200, "baud rate of the log session")
	flags.Int("esptool-baud", 921600, "baud rate used for flashing")
	flags.String("loader", espserial.LoaderV4, "serial loader generation: v3 or v4")
	flags.Int("connect-attempts", 3, "connect attempts per candidate port")
	flags.Duration("session-timeout", 0, "deadline for privileged operations, 0 disables it")
	flags.Bool("skip-autoflash", false, "do not flash automatically before a run")
	flags.Bool("erase-all", false, "erase the whole flash before flashing")
	flags.String("stub-dir", "", "directory holding stub_flasher_<chip>.json images")
	flags.String("log-level", "warn", "log level: debug, info, warn, error")
	flags.String("log-format", "text", "log format: text or json")

	bind := map[string]string{
		"target":           "target",
		"beta_target":      "beta-target",
		"port":             "port",
		"baud":             "baud",
		"esptool_baud":     "esptool-baud",
		"loader":           "loader",
		"connect_attempts": "connect-attempts",
		"session_timeout":  "session-timeout",
		"skip_autoflash":   "skip-autoflash",
		"erase_all":        "erase-all",
		"stub_dir":         "stub-dir",
		"log.level":        "log-level",
		"log.format":       "log-format",
	}
	for key, flag := range bind {
		if err := viper.BindPFlag(key, flags.Lookup(flag)); err != nil {
			panic(err)
		}
	}
}

// initConfig reads in config file and ENV variables if set.
func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("espserial")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			viper.AddConfigPath(filepath.Join(home, ".config", "espserial"))
		}
	}

	viper.SetEnvPrefix("ESPSERIAL")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &notFound) {
			return fmt.Errorf("read config: %w", err)
		}
	}
	return nil
}

func newLogger() *slog.Logger {
	return logging.New(logging.Config{
		Level:  viper.GetString("log.level"),
		Format: viper.GetString("log.format"),
	}, Version)
}

func newProtocol(logger *slog.Logger) (*espserial.ROMProtocol, error) {
	opts := []espserial.ProtocolOption{espserial.WithProtocolLogger(logger)}
	if dir := viper.GetString("stub_dir"); dir != "" {
		opts = append(opts, espserial.WithStubDir(dir))
	}
	return espserial.NewProtocol(viper.GetString("loader"), opts...)
}

// deviceOptions maps the merged configuration onto device options
func deviceOptions(logger *slog.Logger) ([]espserial.DeviceOption, error) {
	proto, err := newProtocol(logger)
	if err != nil {
		return nil, err
	}

	opts := []espserial.DeviceOption{
		espserial.WithProtocol(proto),
		espserial.WithLogger(logger),
		espserial.WithTarget(viper.GetString("target")),
		espserial.WithPort(viper.GetString("port")),
		espserial.WithBaud(viper.GetInt("baud")),
		espserial.WithEsptoolBaud(viper.GetInt("esptool_baud")),
		espserial.WithConnectAttempts(viper.GetInt("connect_attempts")),
		espserial.WithSessionTimeout(viper.GetDuration("session_timeout")),
		espserial.WithSkipAutoflash(viper.GetBool("skip_autoflash")),
		espserial.WithEraseAll(viper.GetBool("erase_all")),
	}
	if beta := viper.GetString("beta_target"); beta != "" {
		opts = append(opts, espserial.WithBetaTarget(beta))
	}
	return opts, nil
}

func exitOnError(err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
