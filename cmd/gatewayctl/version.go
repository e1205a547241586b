package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/NikhilSetiya/bizchat-gateway/internal/gateway"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number of gatewayctl",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("gatewayctl version %s\n", gateway.Version)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
