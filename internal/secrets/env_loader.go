package secrets

import (
	"fmt"
	"os"
	"strings"
)

// EnvLoader returns a Loader that reads the specified environment variables.
// For each key, a KEY_FILE variable pointing at a file takes precedence over
// KEY itself, which covers the docker/k8s mounted-secret convention. Missing
// variables are silently omitted from the result map.
func EnvLoader(keys ...string) Loader {
	return func() (map[string]string, error) {
		vals := make(map[string]string, len(keys))
		for _, k := range keys {
			if path := os.Getenv(k + "_FILE"); path != "" {
				data, err := os.ReadFile(path) //nolint:gosec // G304: path comes from the operator's own environment
				if err != nil {
					return nil, fmt.Errorf("read secret file for %s: %w", k, err)
				}
				vals[k] = strings.TrimSpace(string(data))
				continue
			}
			if v := os.Getenv(k); v != "" {
				vals[k] = v
			}
		}
		return vals, nil
	}
}
