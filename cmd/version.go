package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/spachava753/vidpixie/internal/version"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Prints the vidpixie version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(version.Version)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
