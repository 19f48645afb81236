package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ZanzyTHEbar/streamchat/chat"
	"github.com/ZanzyTHEbar/streamchat/chat/config"
	"github.com/ZanzyTHEbar/streamchat/chat/logging"
)

var (
	// Global flags
	configPath string
	envFile    string
	logLevel   string

	cfg    *config.Config
	logger zerolog.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   chat.DefaultAppName,
	Short: "Stream chat replies from a completion service into a live transcript",
	Long: `streamchat holds a multi-turn conversation with a text-generation service.

Replies are streamed chunk by chunk and assembled into the transcript as they
arrive. Run without arguments to start the interactive chat.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to load %s: %w", envFile, err)
		}

		var err error
		cfg, err = config.LoadConfig(configPath)
		if err != nil {
			return err
		}
		if logLevel != "" {
			cfg.Log.Level = logLevel
		}
		logger = logging.New(cfg.Log, os.Stderr)
		if f := cfg.FileUsed(); f != "" {
			logger.Debug().Str("config", f).Msg("Loaded configuration")
		}
		return nil
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return chatCmd.RunE(cmd, args)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default: ./config.yaml or "+chat.DefaultConfigPath+"/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before configuration")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override log.level")

	rootCmd.AddCommand(chatCmd, relayCmd, historyCmd, ingestCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
