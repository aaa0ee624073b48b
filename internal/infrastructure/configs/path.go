package configs

import (
	"flag"
	"os"

	"github.com/hilthontt/ephemera/internal/infrastructure/env"
)

var configFlag = flag.String("config", "", "path to config file")

// DetermineConfigPath returns the config file to load, or "" when none is
// found and the process runs on defaults and environment alone.
func DetermineConfigPath() string {
	if !flag.Parsed() {
		flag.Parse()
	}

	if *configFlag != "" {
		return *configFlag
	}

	if configPath := env.GetString("EPHEMERA_CONFIG", ""); configPath != "" {
		return configPath
	}

	candidates := []string{
		"./config.yaml",
		"./config.yml",
		"../../config.yaml", // keep for local dev
		"/etc/ephemera/config.yaml",
		"/app/config.yaml", // common in Docker
	}

	for _, p := range candidates {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}

	return ""
}
