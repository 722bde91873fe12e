package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"github.com/bnema/wlproto"
	"github.com/bnema/wlproto/internal/config"
	"github.com/bnema/wlproto/wl"
)

var (
	colorPrimary = lipgloss.Color("39")  // Bright blue
	colorInfo    = lipgloss.Color("86")  // Cyan
	colorText    = lipgloss.Color("252") // Light gray
	colorSubtle  = lipgloss.Color("241") // Medium gray
)

var checkShmFlag bool

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "List the globals of a running compositor",
	Long: `Connect to the Wayland display (WAYLAND_DISPLAY in XDG_RUNTIME_DIR, or
display.name from the config), wait for the initial set of globals and
print them.

With --check-shm it also shares a memfd-backed wl_shm pool with the
compositor and creates a buffer in it.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.Get()
		if err := applyRuntimeDir(cfg); err != nil {
			return err
		}
		path, err := wlproto.SocketPath(cfg.Display.Name)
		if err != nil {
			return err
		}
		display, err := wlproto.Connect(path)
		if err != nil {
			return err
		}
		defer display.Close()

		registry, err := display.GetRegistry()
		if err != nil {
			return err
		}
		if err := display.Roundtrip(); err != nil {
			return fmt.Errorf("roundtrip: %w", err)
		}

		out := cmd.OutOrStdout()
		fmt.Fprintln(out, renderGlobals(path, registry.SortedGlobals()))
		if checkShmFlag {
			report, err := checkShm(display, registry)
			if err != nil {
				return err
			}
			fmt.Fprintln(out, renderShm(report))
		}
		return nil
	},
}

func init() {
	infoCmd.Flags().BoolVar(&checkShmFlag, "check-shm", false, "create a wl_shm pool and buffer to check shared memory support")
}

// renderGlobals formats globals as a table. Interfaces outside the core
// protocol are shown dimmed.
func renderGlobals(path string, globals []wlproto.Global) string {
	rows := make([][]string, 0, len(globals))
	for _, g := range globals {
		rows = append(rows, []string{strconv.FormatUint(uint64(g.Name), 10), g.Interface, strconv.FormatUint(uint64(g.Version), 10)})
	}

	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(colorSubtle)).
		StyleFunc(func(row, col int) lipgloss.Style {
			switch {
			case row == table.HeaderRow:
				return lipgloss.NewStyle().Foreground(colorPrimary).Bold(true).Padding(0, 1)
			case col == 1:
				if _, ok := wl.Core.Lookup(rows[row][1]); !ok {
					return lipgloss.NewStyle().Foreground(colorSubtle).Padding(0, 1)
				}
				return lipgloss.NewStyle().Foreground(colorInfo).Padding(0, 1)
			default:
				return lipgloss.NewStyle().Foreground(colorText).Padding(0, 1)
			}
		}).
		Headers("NAME", "INTERFACE", "VERSION").
		Rows(rows...)

	var out strings.Builder
	out.WriteString(lipgloss.NewStyle().Foreground(colorPrimary).Bold(true).Render("Display " + path))
	out.WriteString("\n")
	out.WriteString(t.String())
	out.WriteString("\n")
	out.WriteString(lipgloss.NewStyle().Foreground(colorSubtle).Render(fmt.Sprintf("Total: %d global(s)", len(globals))))
	return out.String()
}
