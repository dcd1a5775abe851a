// Package config loads relay settings from YAML or TOML files, applies
// environment overrides and validates every section before use.
package config
