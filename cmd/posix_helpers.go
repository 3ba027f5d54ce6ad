package cmd

import (
	"github.com/spf13/cobra"

	"github.com/nagyistge/egeo.visual.guidelines/pkg/buildsys"
)

// The helpers parse their own flags so they behave exactly like the versions available inside batch commands.

var mvCmd = &cobra.Command{
	Use:                "mv [source...] dest",
	Short:              "Cross-platform implementation of the POSIX mv command",
	DisableFlagParsing: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return buildsys.Mv(".", args)
	},
}

var rmCmd = &cobra.Command{
	Use:                "rm [-rf] path...",
	Short:              "A cross-platform implementation of the POSIX rm command",
	DisableFlagParsing: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return buildsys.Rm(".", args)
	},
}

var mkdirCmd = &cobra.Command{
	Use:                "mkdir [-p] path...",
	Short:              "A cross-platform implementation of the POSIX mkdir command",
	DisableFlagParsing: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return buildsys.Mkdir(".", args)
	},
}

func init() {
	rootCmd.AddCommand(mvCmd)
	rootCmd.AddCommand(rmCmd)
	rootCmd.AddCommand(mkdirCmd)
}
