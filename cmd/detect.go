/*
Copyright © 2025 Mathias Djärv <mathias.djarv@allbinary.se>
*/
package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"

	espserial "github.com/allbin/go-espserial"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// detectOutput is the printable result of a detection
type detectOutput struct {
	Port       string   `json:"port" yaml:"port"`
	Target     string   `json:"target" yaml:"target"`
	Chip       string   `json:"chip" yaml:"chip"`
	Loader     string   `json:"loader" yaml:"loader"`
	Candidates []string `json:"candidates,omitempty" yaml:"candidates,omitempty"`
}

// detectCmd represents the detect command
var detectCmd = &cobra.Command{
	Use:   "detect",
	Short: "Find the port an Espressif chip is attached to",
	Long: `Probe the serial ports for an Espressif chip through its ROM bootloader
and print the port and target that a device would bind to.

The chip is reset into its bootloader while probing. Use --target to only
accept a specific chip and --port to probe a single port.

Examples:
  espserial detect
  espserial detect --target esp32s3 --output yaml`,
	Run: func(cmd *cobra.Command, args []string) {
		format, _ := cmd.Flags().GetString("output")

		logger := newLogger()
		proto, err := newProtocol(logger)
		exitOnError(err)

		target := viper.GetString("target")
		if beta := viper.GetString("beta_target"); beta != "" {
			target = beta
		}

		resolver := &espserial.Resolver{
			Protocol: proto,
			Lister:   &espserial.HostPortLister{Source: proto.ListPorts},
			Attempts: viper.GetInt("connect_attempts"),
			Logger:   logger,
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()

		res, err := resolver.Resolve(ctx, espserial.ResolveRequest{
			Port:        viper.GetString("port"),
			Target:      espserial.NormalizeTarget(target),
			InitialBaud: viper.GetInt("baud"),
		})
		exitOnError(err)

		out := detectOutput{
			Port:       res.Port,
			Target:     res.Target,
			Chip:       res.ChipName,
			Loader:     proto.LoaderVersion(),
			Candidates: res.Candidates,
		}

		switch format {
		case "json":
			data, _ := json.MarshalIndent(out, "", "  ")
			fmt.Println(string(data))
		case "yaml":
			data, _ := yaml.Marshal(out)
			fmt.Print(string(data))
		default:
			fmt.Printf("%s on %s (target %s, loader %s)\n", out.Chip, out.Port, out.Target, out.Loader)
		}
	},
}

func init() {
	rootCmd.AddCommand(detectCmd)

	detectCmd.Flags().StringP("output", "o", "text", "Output format: text, json, yaml")
}
