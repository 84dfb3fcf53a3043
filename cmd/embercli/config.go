package main

import (
	"encoding/json"
	"os"

	flag "github.com/spf13/pflag"
	"github.com/tailscale/hujson"
)

// config holds defaults normally passed as flags, loaded from a
// human-edited JWCC (JSON with comments and trailing commas) file so a
// user can check in e.g. ~/.embercli.jsonc with a comment on every field.
type config struct {
	PageSize int  `json:"page_size"`
	ReadOnly bool `json:"read_only"`
	NoSync   bool `json:"no_sync"`
}

// loadConfig reads and standardizes a JWCC file at path. A missing file is
// not an error: it just yields zero-value defaults.
func loadConfig(path string) (config, error) {
	var cfg config

	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, err
	}

	standardized, err := hujson.Standardize(raw)
	if err != nil {
		return cfg, err
	}
	if err := json.Unmarshal(standardized, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// applyConfigDefaults fills in any flag the caller left at its zero value
// from cfg, without overriding a flag the user actually passed.
func applyConfigDefaults(cfg config) {
	if !flag.Lookup("page-size").Changed && cfg.PageSize > 0 {
		*flagPageSize = cfg.PageSize
	}
	if !flag.Lookup("read-only").Changed && cfg.ReadOnly {
		*flagReadOnly = true
	}
	if !flag.Lookup("no-sync").Changed && cfg.NoSync {
		*flagNoSync = true
	}
}
