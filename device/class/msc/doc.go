// Package msc implements a Mass Storage Class device using the
// Bulk-Only Transport (BOT) and a SCSI transparent command subset.
//
// The class multiplexes SCSI commands over two bulk endpoints: Command
// Block Wrappers arrive on bulk OUT, data flows in the direction the
// command dictates, and a Command Status Wrapper closes every exchange.
// Block reads and writes are delegated to application callbacks.
//
// Endpoint completions run in interrupt context and only latch state;
// the state machine advances in [MSC.HandleRequest], which the
// application must call in a tight loop or from a task. A single atomic
// flag carries the received-length handoff from interrupt to foreground.
package msc
