package main

import (
	"github.com/spf13/cobra"
)

var cfgFile string

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "pifsd",
		Short: "pifsd runs the PIFS pre-ingest file storage service",
		Long: "pifsd hosts the PIFS HTTP API and its background task worker.\n" +
			"Configuration is read from the PIFS_ environment (PIFS_MONGO_URI, ...) and,\n" +
			"optionally, a TOML file passed with --config.",
	}

	root.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "path to a TOML configuration file")

	root.AddCommand(newServeCmd())
	root.AddCommand(newWorkerCmd())

	return root
}
