// Package config loads and validates the daemon configuration.
//
// Configuration is a single YAML file with one section per subsystem. Every
// section is optional; absent values keep the defaults from Default().
// Durations are Go duration strings such as "30s".
package config
