package main

import (
	"fmt"
	"os"
	"path/filepath"

	coral "github.com/coral-im/coral-go"
)

// getClient builds a chat client from the saved configuration, backed
// by the local database.
func getClient() (*coral.Client, *Config) {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Auth.UserID == "" {
		fmt.Fprintln(os.Stderr, "No user configured. Run 'coral config set auth.user_id <id>' first.")
		os.Exit(1)
	}

	var opts []coral.ClientOption
	if cfg.Default.BaseURL != "" {
		opts = append(opts, coral.WithBaseURL(cfg.Default.BaseURL))
	}

	dbPath := cfg.Default.DBPath
	if dbPath == "" {
		if dir, err := configDir(); err == nil {
			dbPath = filepath.Join(dir, "chat.db")
		}
	}
	if dbPath != "" {
		store, err := coral.OpenSQLiteStore(dbPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open local database: %v\n", err)
			os.Exit(1)
		}
		opts = append(opts, coral.WithStore(store))
	}

	return coral.NewClient(cfg.Default.APIKey, opts...), cfg
}
