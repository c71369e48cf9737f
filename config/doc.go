// Package config loads engine configuration from defaults, an optional
// YAML file, and BITAGENT_-prefixed environment variable overrides, in
// that precedence order.
package config
