package app

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// loadManifest reads a JSON list of asset URLs to pre-warm on install.
func loadManifest(path string) ([]string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest %s: %w", path, err)
	}
	var assets []string
	if err := json.Unmarshal(raw, &assets); err != nil {
		return nil, fmt.Errorf("parse manifest %s: %w", path, err)
	}
	for _, asset := range assets {
		if strings.TrimSpace(asset) == "" {
			return nil, fmt.Errorf("manifest %s contains an empty asset url", path)
		}
	}
	return assets, nil
}
