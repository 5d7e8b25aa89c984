//go:build windows

package config

import (
	"os"
	"path/filepath"
)

func configSearchPaths() []string {
	local := os.Getenv("LOCALAPPDATA")
	programData := os.Getenv("ProgramData")
	return []string{
		"dynoscale.yaml",
		filepath.Join(local, "Dynoscale", "config.yaml"),
		filepath.Join(programData, "Dynoscale", "agent.yaml"),
	}
}
