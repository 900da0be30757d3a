package main

import (
	"os"

	"github.com/spf13/cobra"
)

func main() {
	var root = &cobra.Command{Use: "gazetteerd"}

	root.AddCommand(serveCMD(), migrateCMD(), reingestCMD())
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
