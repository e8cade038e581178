// Package config loads engine configuration from defaults, an optional
// YAML file, and SUBSTRATE_* environment variables, in that order of
// precedence (environment wins). Default() alone yields a runnable
// configuration; Validate catches contradictions like a preload list
// naming a kernel type the allow-list rejects.
package config
