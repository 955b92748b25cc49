package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"github.com/yaotools/toolmeter/internal/bootstrap"
	"github.com/yaotools/toolmeter/internal/config"
	"github.com/yaotools/toolmeter/internal/version"
)

var (
	flagRoot  string
	flagQuiet bool
)

var rootCmd = &cobra.Command{
	Use:           "toolmeter",
	Short:         "Administer the toolmeter usage ledger",
	Long:          "Mint redemption codes, inspect and grant balances, and import the model catalog.",
	Version:       version.Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&flagRoot, "root", "r", ".", "Directory holding config/setting.ini")
	rootCmd.PersistentFlags().BoolVarP(&flagQuiet, "quiet", "q", false, "Suppress progress output")
	rootCmd.SetVersionTemplate(version.FullInfo() + "\n")
}

// openStores loads configuration and opens the configured backends.
func openStores() (config.Config, *bootstrap.Stores, error) {
	cfg, err := config.Load(flagRoot)
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("load config: %w", err)
	}
	st, err := bootstrap.OpenStores(cfg)
	if err != nil {
		return config.Config{}, nil, err
	}
	return cfg, st, nil
}

func progress(format string, args ...any) {
	if flagQuiet {
		return
	}
	fmt.Fprintf(os.Stderr, "  "+format+"\n", args...)
}

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
	borderStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#575653"))
)

func renderTable(headers []string, rows [][]string) string {
	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(borderStyle).
		Headers(headers...).
		Rows(rows...).
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		})
	return t.Render()
}

func orDash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}
