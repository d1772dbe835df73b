package main

import (
	"fmt"
	"os"

	"github.com/Tutortoise/detection-service/config"
	"github.com/Tutortoise/detection-service/logger"
	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Set at build time with -ldflags "-X main.version=...".
var (
	version = "dev"
	commit  = "none"
)

var (
	configFile string
	v          *viper.Viper
	cfg        *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "detectd",
	Short: "Local object detection service",
	Long: `detectd runs a YOLO-style ONNX detector on local images.

Configuration sources (in order of precedence):
1. Command line flags
2. Environment variables (DETECT_* prefix, e.g. DETECT_MODEL_PATH)
3. Config file (--config)
4. Default values

Examples:
  detectd serve --model models/yolo.onnx     # Start the HTTP API
  detectd detect --model m.onnx a.jpg b.png  # Detect once and print JSON
  detectd classes --model m.onnx             # Print the class catalog`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		v, err = config.New(configFile)
		if err != nil {
			return err
		}
		for key, flag := range map[string]string{
			"log.level":  "log-level",
			"log.json":   "log-json",
			"model.path": "model",
		} {
			if err := v.BindPFlag(key, cmd.Root().PersistentFlags().Lookup(flag)); err != nil {
				return errors.Wrapf(err, "bind flag %s", flag)
			}
		}

		cfg, err = config.Load(v)
		if err != nil {
			return err
		}
		if err := logger.Initialize(cfg.LoggerOptions()); err != nil {
			return errors.Wrap(err, "failed to initialize logger")
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logger.Cleanup()
	},
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&configFile, "config", "", "Config file (yaml, toml or json)")
	flags.String("log-level", "info", "Log level: debug, info, warn, error")
	flags.Bool("log-json", false, "Emit JSON logs")
	flags.String("model", "", "Path to the .onnx model")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(detectCmd)
	rootCmd.AddCommand(classesCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
