// Package config loads the YAML service configuration, applies LISTENER_*
// environment overrides, validates every section and watches the file for
// changes.
package config
