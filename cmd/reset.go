/*
Copyright © 2025 Mathias Djärv <mathias.djarv@allbinary.se>
*/
package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	espserial "github.com/allbin/go-espserial"
	"github.com/spf13/cobra"
)

// resetCmd represents the reset command
var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Hard reset an Espressif chip",
	Long: `Bind to an Espressif chip and hard reset it through the flasher stub.

The log session is suspended while the port is held exclusively, the chip is
reset by pulsing EN, and the port settings are restored afterwards.

Examples:
  espserial reset --port /dev/ttyUSB0
  espserial reset --target esp32c3 --count 3`,
	Run: func(cmd *cobra.Command, args []string) {
		count, _ := cmd.Flags().GetInt("count")
		if count < 1 {
			fmt.Fprintln(os.Stderr, "Error: --count must be at least 1")
			os.Exit(1)
		}

		logger := newLogger()
		opts, err := deviceOptions(logger)
		exitOnError(err)

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()

		opts = append(opts, espserial.WithObserver(func(port string, from, to espserial.SessionState) {
			logger.Debug("exclusive session", "port", port, "from", from, "to", to)
		}))

		dev, err := espserial.NewDevice(ctx, opts...)
		exitOnError(err)
		defer dev.Close()

		fmt.Printf("Bound to %s on %s\n", dev.ChipName(), dev.Port())
		for i := 1; i <= count; i++ {
			if err := dev.HardReset(ctx); err != nil {
				dev.Close()
				exitOnError(err)
			}
			kind := "ROM loader"
			if dev.LastStub() != nil && dev.LastStub().IsStub() {
				kind = "stub"
			}
			fmt.Printf("Reset %d/%d done (%s)\n", i, count, kind)
		}
	},
}

func init() {
	rootCmd.AddCommand(resetCmd)

	resetCmd.Flags().IntP("count", "n", 1, "Number of consecutive resets")
}
