/*
Copyright © 2025 Mathias Djärv <mathias.djarv@allbinary.se>
*/
package cmd

import (
	"fmt"
	"os"
	"strings"

	espserial "github.com/allbin/go-espserial"
	"github.com/charmbracelet/lipgloss"
	"github.com/evertras/bubble-table/table"
	"github.com/spf13/cobra"
)

// listCmd represents the list command
var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List serial ports that may carry an Espressif chip",
	Long: `List the serial ports on the system, marking the ones whose USB vendor
is Espressif or a USB bridge commonly found on ESP development boards.

Ports already bound by this process are not excluded here; use detect to
see which port a target would be bound to.`,
	Run: func(cmd *cobra.Command, args []string) {
		ports, err := espserial.ListPorts()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error listing ports: %v\n", err)
			os.Exit(1)
		}

		filterType, _ := cmd.Flags().GetString("filter")
		tableFormat, _ := cmd.Flags().GetBool("table")

		infos := filterPorts(ports, filterType)
		if len(infos) == 0 {
			if filterType != "" {
				fmt.Printf("No serial ports found matching filter: %s\n", filterType)
			} else {
				fmt.Println("No serial ports found")
			}
			return
		}

		if tableFormat {
			renderTable(infos)
		} else {
			renderSimple(infos)
		}
	},
}

func init() {
	rootCmd.AddCommand(listCmd)

	listCmd.Flags().StringP("filter", "f", "", "Filter by port type: usb, esp, standard, arm, all")
	listCmd.Flags().BoolP("table", "t", false, "Display output in a styled table format")
}

// filterPorts resolves port info and keeps the ports matching filterType
func filterPorts(ports []string, filterType string) []*espserial.PortInfo {
	filterType = strings.ToLower(filterType)

	var filtered []*espserial.PortInfo
	for _, port := range ports {
		info, err := espserial.GetPortInfo(port)
		if err != nil {
			continue
		}

		name := strings.ToLower(info.Name)
		keep := false
		switch filterType {
		case "", "all":
			keep = true
		case "usb":
			keep = strings.HasPrefix(name, "ttyusb") || strings.HasPrefix(name, "ttyacm")
		case "esp":
			keep = info.Espressif
		case "standard":
			keep = strings.HasPrefix(name, "ttys")
		case "arm":
			keep = strings.HasPrefix(name, "ttyama")
		}
		if keep {
			filtered = append(filtered, info)
		}
	}
	return filtered
}

const (
	columnKeyPort    = "port"
	columnKeyType    = "type"
	columnKeyUSB     = "usb"
	columnKeyProduct = "product"
	columnKeyESP     = "esp"
)

// renderTable renders the port list as a static bubble-table
func renderTable(infos []*espserial.PortInfo) {
	fmt.Printf("Found %d serial port(s):\n\n", len(infos))

	rows := make([]table.Row, 0, len(infos))
	for _, info := range infos {
		usb := "-"
		if info.IsUSB {
			usb = info.VendorID + ":" + info.ProductID
		}
		product := info.Product
		if product == "" {
			product = info.Description
		}
		esp := ""
		if info.Espressif {
			esp = "✓"
		}
		rows = append(rows, table.NewRow(table.RowData{
			columnKeyPort:    info.Path,
			columnKeyType:    getPortType(info.Name),
			columnKeyUSB:     usb,
			columnKeyProduct: product,
			columnKeyESP:     esp,
		}))
	}

	t := table.New([]table.Column{
		table.NewColumn(columnKeyPort, "Port", 16),
		table.NewColumn(columnKeyType, "Type", 16),
		table.NewColumn(columnKeyUSB, "VID:PID", 11),
		table.NewColumn(columnKeyProduct, "Product", 30),
		table.NewColumn(columnKeyESP, "ESP", 5).WithStyle(lipgloss.NewStyle().Align(lipgloss.Center)),
	}).
		WithRows(rows).
		HeaderStyle(lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("99"))).
		BorderRounded()

	fmt.Println(t.View())
}

// renderSimple prints one port per line, flagging likely ESP boards
func renderSimple(infos []*espserial.PortInfo) {
	for _, info := range infos {
		if info.Espressif {
			fmt.Printf("%s\t(esp)\n", info.Path)
			continue
		}
		fmt.Println(info.Path)
	}
}

// getPortType returns a more specific type classification for the port
func getPortType(name string) string {
	name = strings.ToLower(name)
	switch {
	case strings.HasPrefix(name, "ttyusb"):
		return "USB Serial"
	case strings.HasPrefix(name, "ttyacm"):
		return "USB CDC/ACM"
	case strings.HasPrefix(name, "ttyama"):
		return "ARM Serial"
	case strings.HasPrefix(name, "ttys"):
		return "Standard Serial"
	default:
		return "Serial Port"
	}
}
