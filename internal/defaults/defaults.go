// Package defaults embeds the example files written by mragent init.
package defaults

import _ "embed"

// ConfigYAML is the example configuration file.
//
//go:embed config.example.yaml
var ConfigYAML []byte

// EnvExample is the example .env file holding API keys.
//
//go:embed env.example
var EnvExample []byte
