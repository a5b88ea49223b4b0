// Package config loads and validates relay server configuration.
//
// Configuration is a YAML file with ${VAR} environment expansion. Every
// field has a default, so the server also runs with no file at all;
// the PORT environment variable overrides the listen port, which is
// what Render-style platforms inject.
package config
