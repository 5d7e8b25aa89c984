//go:build !windows

package config

import (
	"os"
	"path/filepath"
)

func configSearchPaths() []string {
	home, _ := os.UserHomeDir()
	return []string{
		"dynoscale.yaml",
		filepath.Join(home, ".dynoscale", "config.yaml"),
		"/etc/dynoscale/agent.yaml",
	}
}
