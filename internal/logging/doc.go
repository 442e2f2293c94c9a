// Package logging provides opt-in file-based logging with rotation for the
// retrieval core. When debug logging is enabled, structured JSON events are
// written to ~/.config/ragcore/logs/ for debugging and troubleshooting.
//
// By default, logging is minimal and goes to stderr only.
package logging
