package main

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	chatsync "github.com/workbridge/chatsync"
)

// newLogger builds the CLI logger. Debug output goes to stderr so it never
// interleaves with command output.
func newLogger() *zap.Logger {
	if !verbose {
		return zap.NewNop()
	}
	cfg := zap.NewDevelopmentConfig()
	cfg.OutputPaths = []string{"stderr"}
	log, err := cfg.Build()
	if err != nil {
		return zap.NewNop()
	}
	return log
}

// openCache opens the durable cache at the configured path, defaulting to
// ~/.chatsync/cache.
func openCache(cfg *Config, log *zap.Logger) (chatsync.Cache, error) {
	path := cfg.Default.CachePath
	if path == "" {
		dir, err := configDir()
		if err != nil {
			return nil, err
		}
		path = filepath.Join(dir, "cache")
	}
	return chatsync.OpenPebbleCache(path, log)
}

// requireAuth loads the config and exits if no credentials are stored.
func requireAuth() *Config {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Auth.Token == "" || cfg.Auth.UserID == "" {
		fmt.Fprintln(os.Stderr, "Not logged in. Run 'chatsync init <token> --user <id>' first.")
		os.Exit(1)
	}
	return cfg
}

// newRESTClient creates an API client from the stored config, or nil when
// no base URL is configured (cache-only mode).
func newRESTClient(cfg *Config) *chatsync.Client {
	if cfg.Default.BaseURL == "" {
		return nil
	}
	return chatsync.NewClient(cfg.Default.BaseURL, cfg.Auth.Token)
}
