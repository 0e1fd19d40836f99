/*
Copyright © 2025 Mathias Djärv <mathias.djarv@allbinary.se>
*/
package cmd

import (
	"fmt"
	"os"

	espserial "github.com/allbin/go-espserial"
	"github.com/spf13/cobra"
)

// infoCmd represents the info command
var infoCmd = &cobra.Command{
	Use:   "info <port>",
	Short: "Display detailed information about a serial port",
	Long: `Display detailed information about a serial port including USB metadata.

Examples:
  espserial info /dev/ttyUSB0
  espserial info /dev/ttyACM0`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		info, err := espserial.GetPortInfo(args[0])
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error getting port info: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("Port Information: %s\n\n", info.Path)
		fmt.Printf("  Name:        %s\n", info.Name)
		fmt.Printf("  Description: %s\n", info.Description)

		if !info.IsUSB {
			return
		}

		fmt.Println("\nUSB Device Information:")
		fmt.Printf("  Vendor ID:    %s\n", info.VendorID)
		fmt.Printf("  Product ID:   %s\n", info.ProductID)
		if info.SerialNumber != "" {
			fmt.Printf("  Serial:       %s\n", info.SerialNumber)
		}
		if info.Product != "" {
			fmt.Printf("  Product:      %s\n", info.Product)
		}
		if info.Espressif {
			fmt.Println("  Espressif:    yes (known ESP board vendor)")
		}
	},
}

func init() {
	rootCmd.AddCommand(infoCmd)
}
