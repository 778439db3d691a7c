// Package config loads the client configuration.
//
// Values are layered: built-in defaults, then an optional YAML file, then
// XAPI_* environment variables. The result is validated as a whole and all
// problems are reported together.
package config
