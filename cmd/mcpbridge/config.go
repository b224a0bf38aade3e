package main

import (
	"flag"
	"fmt"

	"github.com/revittco/mcpbridge/internal/config"
)

// sharedFlags are the flag/env overlay proxy.yaml's fields accept from the
// command line (SPEC_FULL.md §4.10: "CLI flags ... override individual
// fields").
type sharedFlags struct {
	configPath        string
	logNotifications  bool
	diagnosticsDBPath string
	tokenStoreDir     string
}

func parseSharedFlags(fs *flag.FlagSet, args []string) (*sharedFlags, error) {
	f := &sharedFlags{}
	fs.StringVar(&f.configPath, "config", "proxy.yaml", "path to proxy.yaml")
	fs.BoolVar(&f.logNotifications, "log-notifications", false, "emit logs as notifications/message JSON-RPC frames on stdout instead of stderr text")
	fs.StringVar(&f.diagnosticsDBPath, "diagnostics-db", "", "override diagnostics.db_path")
	fs.StringVar(&f.tokenStoreDir, "token-store-dir", "", "override token_store.dir")
	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("%w: %v", errConfig, err)
	}
	return f, nil
}

func loadConfig(f *sharedFlags) (*config.FileConfig, error) {
	cfg, err := config.LoadFile(f.configPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errConfig, err)
	}
	if f.diagnosticsDBPath != "" {
		cfg.Diagnostics.DBPath = f.diagnosticsDBPath
	}
	if f.tokenStoreDir != "" {
		cfg.TokenStore.Dir = f.tokenStoreDir
	}
	return cfg, nil
}
