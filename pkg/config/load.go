package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/goccy/go-json"
	"github.com/tailscale/hujson"
	"gopkg.in/yaml.v3"
)

// Load reads a Config from path, auto-detecting its format by
// extension: ".json"/".hujson" (HuJSON standardized to plain JSON
// before decode, the way calvinalkan-agent-task's config.go does) or
// ".yaml"/".yml".
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse yaml %s: %w", path, err)
		}
	case ".hujson":
		standardized, err := hujson.Standardize(data)
		if err != nil {
			return Config{}, fmt.Errorf("config: parse hujson %s: %w", path, err)
		}
		if err := json.Unmarshal(standardized, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse json %s: %w", path, err)
		}
	default:
		// Try HuJSON standardization first so plain JSON with comments
		// or trailing commas still loads; falls through to a strict
		// decode error if the input isn't JSON-ish at all.
		standardized, err := hujson.Standardize(data)
		if err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
		if err := json.Unmarshal(standardized, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse json %s: %w", path, err)
		}
	}
	return cfg, nil
}
