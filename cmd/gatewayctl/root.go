package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "gatewayctl",
	Short: "gatewayctl inspects and operates a bizchat gateway",
	Long:  `gatewayctl validates resource descriptor files and queries the status endpoints of a running gateway.`,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().String("addr", "http://localhost:8080", "Base URL of the gateway")
}
