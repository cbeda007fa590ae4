package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
	"github.com/openmined/drivesync/internal/config"
	"github.com/openmined/drivesync/internal/utils"
	"github.com/openmined/drivesync/internal/version"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	envPrefix      = "DRIVESYNC"
	configFileName = "config"
)

var (
	home, _ = os.UserHomeDir()
	// console level; the log file always records debug
	logLevel = new(slog.LevelVar)
)

var rootCmd = &cobra.Command{
	Use:               "drivesync",
	Short:             "Keep a local folder in sync with a cloud drive",
	Version:           version.Detailed(),
	SilenceUsage:      true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return loadConfig(cmd) },
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.SortFlags = false
	flags.StringP("config", "c", config.DefaultConfigPath, "drivesync config file")
	flags.String("env-file", ".env", "dotenv file loaded before the environment is read")
	flags.StringP("root", "r", "", "local folder to sync")
	flags.String("remote", "", "remote drive: https://<api>, s3://bucket/prefix or mem://")
	flags.String("drive-id", "", "drive id on the HTTP drive API; empty selects the user's drive")
	flags.String("token", "", "bearer token for the HTTP drive API")
	flags.Bool("two-way", false, "push local changes as well as pulling remote ones")
	flags.String("conflict", "", "conflict policy for two-way passes: rename, replace or fail")
	flags.IntP("workers", "w", 0, "folders processed in parallel")
	flags.String("chunk-size", "", "resumable upload fragment size, e.g. 10MiB")
	flags.String("log-level", "", "console log level: debug, info, warn or error")
}

func main() {
	file, err := openLogFile(config.DefaultLogFilePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open log file: %v\n", err)
		os.Exit(1)
	}
	defer file.Close()

	interceptor := utils.NewLogInterceptor(file)
	defer interceptor.Close()
	slog.SetDefault(slog.New(newLogHandler(os.Stdout, interceptor)))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		slog.Error("drivesync", "error", err)
		os.Exit(1)
	}
}

func openLogFile(path string) (*os.File, error) {
	if err := utils.EnsureParent(path); err != nil {
		return nil, err
	}
	return os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
}

// newLogHandler writes coloured logs to the console, when it is a terminal,
// and plain text lines to the log file.
func newLogHandler(console *os.File, logFile *utils.LogInterceptor) slog.Handler {
	consoleHandler := tint.NewHandler(console, &tint.Options{
		Level:      logLevel,
		TimeFormat: "2006-01-02T15:04:05.000Z07:00",
		NoColor:    !isatty.IsTerminal(console.Fd()),
	})
	fileHandler := slog.NewTextHandler(logFile, &slog.HandlerOptions{
		Level: slog.LevelDebug,
		// the interceptor stamps the time
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey && len(groups) == 0 {
				return slog.Attr{}
			}
			return a
		},
	})
	return utils.NewMultiLogHandler(consoleHandler, fileHandler)
}

// loadConfig layers, lowest first: config file, .env file, environment,
// flags that were set.
func loadConfig(cmd *cobra.Command) error {
	flags := cmd.Flags()

	envFile, _ := flags.GetString("env-file")
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("env file '%s': %w", envFile, err)
	}

	if f := flags.Lookup("config"); f != nil && f.Changed {
		viper.SetConfigFile(f.Value.String())
	} else if p := os.Getenv(envPrefix + "_CONFIG"); p != "" {
		viper.SetConfigFile(p)
	} else {
		viper.AddConfigPath(filepath.Join(home, ".drivesync"))
		viper.AddConfigPath(filepath.Join(home, ".config", "drivesync"))
		viper.SetConfigName(configFileName)
	}
	viper.SetConfigType("json")

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("config read '%s': %w", viper.ConfigFileUsed(), err)
		}
	}

	for key, flag := range map[string]string{
		"local_root":      "root",
		"remote":          "remote",
		"drive_id":        "drive-id",
		"access_token":    "token",
		"two_way":         "two-way",
		"conflict_policy": "conflict",
		"workers":         "workers",
		"chunk_size":      "chunk-size",
		"log_level":       "log-level",
	} {
		if err := viper.BindPFlag(key, flags.Lookup(flag)); err != nil {
			return err
		}
	}

	viper.SetEnvPrefix(envPrefix)
	viper.AutomaticEnv()
	for _, key := range []string{
		"simple_upload_threshold", "preserve_unsynced", "max_retries", "request_timeout",
		"sidecar_path", "resume_dir",
		"s3.endpoint", "s3.region", "s3.access_key", "s3.secret_key",
	} {
		_ = viper.BindEnv(key, envPrefix+"_"+envKey(key))
	}
	return nil
}

func envKey(key string) string {
	return strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}

// loadValidConfig decodes what loadConfig gathered and applies the console
// log level.
func loadValidConfig() (*config.Config, error) {
	cfg, err := config.FromViper(viper.GetViper(), viper.ConfigFileUsed())
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logLevel.Set(cfg.Level())
	return cfg, nil
}
