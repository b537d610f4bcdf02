// Package config provides configuration loading and validation for the
// voice-over capture agent. It handles YAML-based configuration with
// per-section validation and sensible studio defaults for every field
// left unset.
package config
