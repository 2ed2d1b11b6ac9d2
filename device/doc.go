// Package device implements the core of a USB 2.0 device-side protocol
// stack for microcontrollers with an integrated device controller and
// shared packet RAM.
//
// It is platform-agnostic and interacts with hardware through the
// [github.com/picodev/usb/device/hal.Controller] interface. The HAL
// delivers SETUP packets, bus resets, and buffer-completion events; the
// stack owns every bit of protocol state above the registers.
//
// # Architecture
//
//   - [Device] is the root of the descriptor tree: configurations,
//     interfaces, endpoints, functional descriptors, strings, and an
//     optional Binary Object Store
//   - [Controller] drives endpoint 0 and answers the Chapter-9 standard
//     request set, routing class and vendor requests to handler slots
//   - [Endpoint] fragments user buffers into max-packet-size chunks,
//     toggles the data PID, and reports completion through its
//     DataHandler slot
//
// # Concurrency
//
// The stack is interrupt-driven and never blocks. HAL hooks and
// completion callbacks run in interrupt context; handlers must be short.
// Class drivers that need foreground work (MSC) latch flags for a poll
// loop instead of doing work in the hook.
//
// # Zero-Allocation Design
//
// Descriptor tables use fixed-size arrays, serialization writes into
// caller-provided buffers via MarshalTo, and the control dispatcher owns
// a single scratch buffer for descriptor responses. The tree is built
// eagerly before the bus pull-up is enabled and is immutable afterwards
// except for alternate settings, stall bits, and class-visible state.
//
// # Class Drivers
//
// Class drivers live in subpackages and attach to the tree through
// handler slots:
//
//   - [github.com/picodev/usb/device/class/cdc] - CDC-ACM serial
//   - [github.com/picodev/usb/device/class/msc] - Mass Storage Bulk-Only
//
// Vendor-specific platform descriptors (Microsoft OS 2.0, WebUSB) are
// provided by [github.com/picodev/usb/device/msos].
package device
