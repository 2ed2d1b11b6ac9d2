// Package mem implements the device HAL over an in-memory simulated bus.
//
// The HAL side is a faithful model of an integrated USB device
// controller: per-endpoint packet buffers standing in for DPRAM, arm
// doorbells, stall and NAK bits, and the deferred device-address commit.
// The host side ([HAL.SendSetup], [HAL.ReadIn], [HAL.WriteOut],
// [HAL.BusReset] and the ControlRead/ControlWrite helpers) lets tests
// and demos drive the stack wire-accurately without hardware: every
// packet crosses the same arm/complete boundary a real controller port
// uses.
//
// Completion hooks run synchronously on the host caller's goroutine,
// which models interrupt context closely enough for the stack's
// non-blocking handler discipline.
package mem
