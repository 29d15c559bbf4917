package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Template renders DefaultFile in the format named by ext.
func Template(ext string) ([]byte, error) {
	switch strings.ToLower(strings.TrimPrefix(strings.TrimSpace(ext), ".")) {
	case "toml", "":
		return toml.Marshal(DefaultFile())
	case "yaml", "yml":
		return yaml.Marshal(DefaultFile())
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, ext)
	}
}

// WriteTemplate writes the default configuration to path, refusing to
// replace an existing file unless overwrite is set.
func WriteTemplate(path string, overwrite bool) error {
	data, err := Template(filepath.Ext(path))
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%w: %s", ErrConfigExists, path)
		}
	}
	return os.WriteFile(path, data, 0o600)
}
