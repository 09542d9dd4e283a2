package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var showVersion bool

func init() {
	RootCmd.AddCommand(ServeCmd)
	RootCmd.Flags().BoolVarP(&showVersion, "version", "v", false, "show the version and exit")
}

// RootCmd is the main command for the quiclb binary.
var RootCmd = &cobra.Command{
	Use:   "quiclb",
	Short: "`quiclb` terminates QUIC and forwards streams to a backend pool",
	Long:  "`quiclb` terminates QUIC and forwards streams to a backend pool",
	Run: func(cmd *cobra.Command, args []string) {
		if showVersion {
			fmt.Println(version)
			return
		}
		// nolint:errcheck
		cmd.Usage()
	},
}

const version = "0.1.0"
