// Package dotenv seeds the process environment from dotenv files before
// configuration is resolved.
package dotenv

import (
	"errors"
	"fmt"
	"os"
	"sort"

	"github.com/joho/godotenv"
)

// Load reads each existing file in order and sets variables that are not
// already present, so earlier files and the real environment win. Missing
// files are skipped. It returns the names of the variables it set.
func Load(paths ...string) ([]string, error) {
	var set []string
	for _, path := range paths {
		vars, err := godotenv.Read(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return set, fmt.Errorf("read env file %q: %w", path, err)
		}
		for key, val := range vars {
			if _, exists := os.LookupEnv(key); exists {
				continue
			}
			if err := os.Setenv(key, val); err != nil {
				return set, fmt.Errorf("set env %q from %q: %w", key, path, err)
			}
			set = append(set, key)
		}
	}
	sort.Strings(set)
	return set, nil
}
