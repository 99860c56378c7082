package secrets

import (
	"fmt"
	"os"
	"strings"
)

// GetSecret retrieves a secret value, supporting both direct env vars and file-based secrets.
// If KEY_FILE is set its contents win over KEY (docker/k8s secret mounts).
func GetSecret(envKey string, defaultValue string) (string, error) {
	if filePath := os.Getenv(envKey + "_FILE"); filePath != "" {
		data, err := os.ReadFile(filePath)
		if err != nil {
			return "", fmt.Errorf("read secret file %s: %w", filePath, err)
		}
		return strings.TrimSpace(string(data)), nil
	}

	if value := os.Getenv(envKey); value != "" {
		return value, nil
	}

	return defaultValue, nil
}

// GetOptionalSecret retrieves a secret with a default value, never fails
func GetOptionalSecret(envKey string, defaultValue string) string {
	value, err := GetSecret(envKey, defaultValue)
	if err != nil {
		return defaultValue
	}
	return value
}

// GetSecretList reads a comma or newline separated secret, e.g. a set of
// webhook URLs. Empty entries are dropped.
func GetSecretList(envKey string) []string {
	raw := GetOptionalSecret(envKey, "")
	if raw == "" {
		return nil
	}
	fields := strings.FieldsFunc(raw, func(r rune) bool {
		return r == ',' || r == '\n'
	})
	var out []string
	for _, f := range fields {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}
