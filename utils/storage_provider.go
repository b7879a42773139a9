package utils

import (
	"os"
	"strings"
)

// StorageProviderGCS is the only implemented provider; any other value of
// STORAGE_PROVIDER makes report exports return bytes inline.
const StorageProviderGCS = "gcs"

func GetStorageProvider() string {
	provider := strings.TrimSpace(strings.ToLower(os.Getenv("STORAGE_PROVIDER")))
	if provider == "" {
		return StorageProviderGCS
	}
	return provider
}
