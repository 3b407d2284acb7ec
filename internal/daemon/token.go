package daemon

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

const tokenFile = "gateway.token"

// loadOrCreateToken reads <dir>/gateway.token, creating it with a random
// token when missing.
func loadOrCreateToken(dir string) (string, error) {
	if dir == "" {
		return "", fmt.Errorf("gateway token is not configured and data_dir is empty")
	}
	path := filepath.Join(dir, tokenFile)

	data, err := os.ReadFile(path)
	if err == nil {
		if token := strings.TrimSpace(string(data)); token != "" {
			return token, nil
		}
	} else if !os.IsNotExist(err) {
		return "", fmt.Errorf("failed to read gateway token: %w", err)
	}

	token, err := gonanoid.New(32)
	if err != nil {
		return "", fmt.Errorf("failed to generate gateway token: %w", err)
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", fmt.Errorf("failed to create data directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(token+"\n"), 0600); err != nil {
		return "", fmt.Errorf("failed to write gateway token: %w", err)
	}
	return token, nil
}
