package config

import (
	stderrors "errors"
	"fmt"
	"os"

	"github.com/joho/godotenv"
)

// errNoEnvFile is returned by loadEnvFile when none of envFiles exists.
var errNoEnvFile = stderrors.New("no .env file found")

// envFiles are tried in order; the first one that loads wins.
var envFiles = []string{".env", ".env.local"}

// loadEnvFile loads environment variables from the first readable .env file.
// Variables already present in the process environment are not overwritten.
func loadEnvFile() error {
	for _, path := range envFiles {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		if err := godotenv.Load(path); err != nil {
			return fmt.Errorf("load %s: %w", path, err)
		}
		return nil
	}
	return errNoEnvFile
}
