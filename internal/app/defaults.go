package app

import (
	"fmt"
	"os"
	"path/filepath"
)

// DefaultJobsPath returns the job file location, checking IMAPCAS_JOBS
// first, then falling back to ~/.config/imapcas/jobs.yaml.
func DefaultJobsPath() (string, error) {
	if path := os.Getenv("IMAPCAS_JOBS"); path != "" {
		return path, nil
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(homeDir, ".config", "imapcas", "jobs.yaml"), nil
}
