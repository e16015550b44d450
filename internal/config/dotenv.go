package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
)

// LoadDotEnv loads environment variables from .env-like files.
// Missing files are skipped and existing process variables keep precedence.
func LoadDotEnv(paths ...string) error {
	for _, path := range paths {
		trimmed := strings.TrimSpace(path)
		if trimmed == "" {
			continue
		}
		if _, err := os.Stat(trimmed); errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(trimmed); err != nil {
			return fmt.Errorf("load %s: %w", trimmed, err)
		}
	}
	return nil
}
