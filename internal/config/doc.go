// Package config provides configuration loading and validation for the voice agent service.
// It handles YAML-based configuration layered over built-in defaults, with
// environment variable expansion and per-section validation.
package config
