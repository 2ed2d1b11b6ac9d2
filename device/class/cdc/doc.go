// Package cdc implements a CDC-ACM (Abstract Control Model) class
// driver: a USB serial port with FIFO-backed semantics.
//
// The driver owns an interface association grouping a Communications
// interface (interrupt IN notifications plus Header, Call Management,
// ACM, and Union functional descriptors) and a Data interface (bulk IN
// and bulk OUT). Received data is buffered in an RX FIFO with NAK flow
// control toward the host; transmitted data drains from a TX FIFO one
// packet at a time, with a trailing zero-length packet when the final
// packet is exactly wMaxPacketSize.
//
// Line coding, control line state, and break signaling are held locally
// and surfaced through callback slots; SERIAL_STATE notifications go out
// on the interrupt endpoint.
package cdc
