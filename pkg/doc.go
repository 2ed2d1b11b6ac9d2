// Package pkg provides shared infrastructure for the USB device stack:
// sentinel error values and a component-scoped structured logger.
//
// Errors follow the latched-reporting model of the stack: failures that
// occur in interrupt context are never returned upward; they are recorded
// in protocol state (stall bits, CSW status, sense keys) and surface
// through the recovery path the host drives. The sentinel values here are
// returned from construction-time and application-facing APIs only.
//
// Logging is built on [log/slog]. Every message carries a component key
// so platform integrations can filter subsystems independently.
package pkg
