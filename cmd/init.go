package cmd

import (
	"os"
	"path/filepath"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/nagyistge/egeo.visual.guidelines/pkg/buildsys"
)

var initCmd = &cobra.Command{
	Use:   "init [dir]",
	Short: "Writes the built-in tasks.star",
	Long:  `Writes the built-in task script to the given directory (default: the working directory) so it can be customized.`,
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dir := "."
		if len(args) > 0 {
			dir = args[0]
		}

		target, err := writeDefaultScript(dir)
		if err != nil {
			return err
		}

		logger.Info().Str("path", target).Msgf("Created %s", target)
		return nil
	},
}

func writeDefaultScript(dir string) (string, error) {
	target := filepath.Join(dir, buildsys.ScriptName)
	f, err := os.OpenFile(target, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if eris.Is(err, os.ErrExist) {
			return "", eris.Errorf("%s already exists", target)
		}
		return "", eris.Wrapf(err, "failed to create %s", target)
	}
	defer f.Close()

	_, err = f.Write(buildsys.DefaultScript())
	if err != nil {
		return "", eris.Wrapf(err, "failed to write %s", target)
	}

	return target, nil
}

func init() {
	rootCmd.AddCommand(initCmd)
}
