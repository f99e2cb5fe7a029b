// Package logging provides a small facade over log/slog used by every
// relay subsystem. Log calls carry a subsystem tag so that output from
// the OAuth proxy, the connection registry, and the correlator can be
// filtered independently.
package logging
