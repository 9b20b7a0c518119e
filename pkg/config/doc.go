// Package config loads the YAML bootstrap configuration for the conductor
// and node binaries. Deployment and environment specifications are not
// configuration; they arrive over the API surface and the Connect stream.
package config
