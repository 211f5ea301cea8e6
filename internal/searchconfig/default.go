package searchconfig

import (
	_ "embed"
)

//go:embed default.yaml
var defaultFile []byte

// Default returns the built-in configuration covering the directory resource
// types. It is used when no configuration file is provided.
func Default() (*Config, error) {
	return Parse(defaultFile)
}
