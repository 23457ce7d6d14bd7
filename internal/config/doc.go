// Package config loads, normalizes, and validates clipcut configuration data.
//
// It supplies repository defaults, expands user paths (including tilde
// shortcuts), and reads TOML files. The Config type centralizes every knob
// the engine and CLI need: external tool locations, encoder preference and
// quality, cancellation grace timing, and log routing.
//
// Always obtain settings through this package so downstream code receives
// sanitized paths, canonical log formats, and clear validation errors.
package config
