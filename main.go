package main

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/patchverify/patchverify/pkg/cmd"
)

// Globals for Debug logging flag and version reporting.
var (
	debug      bool
	logFormat  string
	configFile string
	version    string
)

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "patchverify",
		Short: "PatchVerify",
		Long:  "PatchVerify: verify which known vulnerabilities a package upgrade actually fixes",
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			if debug {
				log.SetLevel(log.DebugLevel)
			}
			switch logFormat {
			case "json":
				log.SetFormatter(&log.JSONFormatter{})
			case "text", "":
			default:
				return errors.New("--log-format must be json or text")
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Usage()
		},
		SilenceUsage: true,
		Version:      version,
	}

	flags := rootCmd.PersistentFlags()
	flags.BoolVar(&debug, "debug", false, "enable debug level logging")
	flags.StringVar(&logFormat, "log-format", "text", "log format: text or json")
	flags.StringVar(&configFile, "config", "", "config file, defaults to $HOME/.patchverify/config.yaml")

	rootCmd.AddCommand(cmd.NewScanCmd())
	rootCmd.AddCommand(cmd.NewHistoryCmd())
	rootCmd.AddCommand(cmd.NewServeCmd())
	return rootCmd
}

func initConfig() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Warnf("could not load .env: %v", err)
	}

	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else if home, err := os.UserHomeDir(); err == nil {
		viper.AddConfigPath(filepath.Join(home, ".patchverify"))
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("patchverify")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) || configFile != "" {
			log.Fatalf("reading config: %v", err)
		}
	} else {
		log.Debugf("using config file %s", viper.ConfigFileUsed())
	}
}

func main() {
	cobra.OnInitialize(initConfig)
	rootCmd := newRootCmd()
	if err := rootCmd.Execute(); err != nil {
		if !errors.Is(err, cmd.ErrRiskThreshold) {
			log.Errorf("Error: %v", err)
		} else {
			log.Warn(err)
		}
		os.Exit(1)
	}
}
