package cmd

import (
	"io"
	"os"

	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/nagyistge/egeo.visual.guidelines/pkg/config"
)

var (
	cfg    *config.Config
	logger = zerolog.New(NewConsoleWriter(os.Stderr))
)

var rootCmd = &cobra.Command{
	Use:   "styleguide",
	Short: "Build tool for the egeo visual guidelines",
	Long: `This command builds the egeo styleguide: it compiles the Sass sources, generates the
KSS documentation, serves the result and rebuilds it when a stylesheet changes.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		configFile, err := cmd.Flags().GetString("config")
		if err != nil {
			return err
		}

		if configFile != "" {
			cfg, err = config.Load(configFile)
		} else {
			cfg, err = config.Load()
		}
		if err != nil {
			return err
		}

		logger, err = setupLogger(cfg, os.Stderr)
		return err
	},
}

func getConsoleWriter(out io.Writer, noColor bool) io.Writer {
	writer := NewConsoleWriter(out)
	writer.NoColor = noColor
	return writer
}

func setupLogger(cfg *config.Config, out io.Writer) (zerolog.Logger, error) {
	var writer io.Writer
	if cfg.Log.JSON {
		writer = out
	} else {
		writer = getConsoleWriter(out, false)
	}

	if cfg.Log.File != "" {
		logFile, err := os.OpenFile(cfg.Log.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return logger, eris.Wrapf(err, "failed to open log file %s", cfg.Log.File)
		}

		if cfg.Log.JSON {
			writer = zerolog.MultiLevelWriter(writer, logFile)
		} else {
			writer = zerolog.MultiLevelWriter(writer, getConsoleWriter(logFile, true))
		}
	}

	zerolog.SetGlobalLevel(cfg.LogLevel())
	return zerolog.New(writer).With().Timestamp().Logger(), nil
}

func init() {
	rootCmd.PersistentFlags().StringP("config", "c", "", "path to the styleguide.toml file")
}

// Execute runs the root command and exits with status 1 on failure.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		logger.Error().Err(err).Msg("Failed")
		os.Exit(1)
	}
}
