// Package hal defines the Hardware Abstraction Layer contract consumed by
// the USB device stack.
//
// A platform port implements [Controller] over its USB device controller
// registers and dual-port packet RAM. The stack owns all protocol state;
// the HAL owns register access, DPRAM layout, and interrupt entry. The
// split is event-driven: the stack arms hardware through
// [EndpointBuffer.Arm] and the HAL reports SETUP packets, bus resets, and
// buffer completions by invoking the hooks the stack registered.
//
// All hooks are invoked from interrupt context and must not block.
package hal
