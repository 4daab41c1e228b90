package main

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// loadNodeID returns the configured id, else the id saved in the data dir,
// else a new id that gets saved.
func loadNodeID(dataDir string, configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}

	path := filepath.Join(dataDir, "nodeid")

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if id := strings.TrimSpace(string(data)); id != "" {
			return id, nil
		}
	case !os.IsNotExist(err):
		return "", err
	}

	id := uuid.NewString()
	if err := os.WriteFile(path, []byte(id+"\n"), 0600); err != nil {
		return "", err
	}

	return id, nil
}
