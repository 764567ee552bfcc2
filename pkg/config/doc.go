// Package config loads the relay configuration from a YAML file layered
// over built-in defaults, with environment overrides for key material.
package config
