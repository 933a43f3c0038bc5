package commands

import (
	"fmt"
	"os"
	"time"

	"github.com/ZanzyTHEbar/paper-reader/cmd/paperreader/ui"
	"github.com/ZanzyTHEbar/paper-reader/reader/config"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	cfgFile string
	verbose bool
	noColor bool

	cfg    *config.Config
	logger zerolog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "paperreader",
	Short: "Read research papers stage by stage with an AI guide",
	Long: `paperreader walks through a PDF paper in reading stages. It opens with a quick
scan and a reading plan, answers questions, and extracts the paper's figures on request.
Sessions are stored locally and can be resumed.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		_ = godotenv.Load() // a missing .env is fine

		ui.Init(noColor)

		level := zerolog.WarnLevel
		if verbose {
			level = zerolog.DebugLevel
		}
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen, NoColor: noColor}).
			Level(level).
			With().Timestamp().Logger()

		loaded, err := config.LoadConfig(cfgFile)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = loaded
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
