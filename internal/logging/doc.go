// Package logging assembles the structured slog loggers shared by the
// clipcut engine and CLI.
//
// It owns the console and JSON handlers, centralizes level parsing and
// output plumbing, and provides a no-op logger for tests and wiring code
// that cannot fail. Components are tagged with a component attribute via
// WithComponent so every log line identifies its subsystem.
package logging
