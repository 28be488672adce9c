package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var cfgFile string

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "sentinel",
		Short: "Self-hosted monitoring station for feeds, forums and web pages",
	}

	root.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./config.yaml)")

	root.AddCommand(runCmd())
	root.AddCommand(opmlCmd())

	return root
}

func runCmd() *cobra.Command {
	var (
		once       bool
		importPath string
		exportPath string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the monitoring station",
		RunE: func(cmd *cobra.Command, args []string) error {
			// Older spellings of the opml subcommands, kept working.
			switch {
			case importPath != "":
				return runOPMLImport(importPath)
			case exportPath != "":
				return runOPMLExport(exportPath)
			}
			return runStation(once)
		},
	}

	cmd.Flags().BoolVar(&once, "once", false, "run one collection pass, flush alerts, then exit")
	cmd.Flags().StringVar(&importPath, "import-opml", "", "import feeds from an OPML file and exit")
	cmd.Flags().StringVar(&exportPath, "export-opml", "", "export RSS sources to an OPML file and exit")
	return cmd
}

func opmlCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "opml",
		Short: "Import and export feed lists",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "import <file>",
		Short: "Add feeds from an OPML file as RSS sources",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOPMLImport(args[0])
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "export <file>",
		Short: "Write the RSS sources to an OPML file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOPMLExport(args[0])
		},
	})

	return cmd
}
