// Package config loads the gateway's YAML configuration. ${VAR} references
// are expanded from the environment before parsing, and duration fields
// accept Go duration strings ("30m", "1h30m").
package config
