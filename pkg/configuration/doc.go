// Package configuration provides loading facilities for Mirrorkit's
// YAML-based configuration files, covering both transfer tuning parameters
// and module definitions for serving.
package configuration
