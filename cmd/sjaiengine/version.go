package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/xiaolou86/sjaiengine/internal/version"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version of sjaiengine",
	Run:   runVersion,
}

func runVersion(cmd *cobra.Command, args []string) {
	fmt.Println(version.Get())
}
