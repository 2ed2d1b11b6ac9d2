package device

import (
	"github.com/picodev/usb/pkg"
)

// The transfer core fragments a user buffer into max-packet-size chunks
// and walks them through the hardware buffer, one packet in flight per
// endpoint direction. Each armed chunk carries the endpoint's next data
// PID, which toggles per chunk. IN transfers finish when the last chunk
// has been acknowledged; OUT transfers finish when the expected byte
// count has arrived or a short packet terminates the message.

// StartTransfer initiates a transfer of exactly len(buf[:n]) bytes
// through this endpoint's direction. For IN endpoints the first chunk is
// copied to the hardware buffer and armed; for OUT endpoints the
// hardware is armed to receive up to one packet.
//
// Returns pkg.ErrBusy if a transfer is already in flight.
func (e *Endpoint) StartTransfer(buf []byte, n int) error {
	e.mutex.Lock()
	if e.active {
		e.mutex.Unlock()
		return pkg.ErrBusy
	}
	e.active = true
	e.buf = buf
	e.total = n
	e.cursor = 0
	e.bytesLeft = n

	e.currentLen = uint16(n)
	if e.currentLen > e.MaxPacketSize {
		e.currentLen = e.MaxPacketSize
	}

	if e.IsIn() && e.currentLen > 0 {
		copyBuffer(e.hw.Buffer()[:e.currentLen], buf[:e.currentLen])
		e.bytesLeft -= int(e.currentLen)
		e.cursor += int(e.currentLen)
	}

	e.arm()
	e.mutex.Unlock()
	return nil
}

// SendZLPData1 arms a zero-length packet with PID DATA1. On IN endpoints
// this acknowledges the status stage of a control transaction; on OUT
// endpoints it prepares to receive the host's status-stage ZLP.
func (e *Endpoint) SendZLPData1() {
	e.mutex.Lock()
	if e.active {
		// A SETUP reset should have cleared any in-flight transfer.
		pkg.LogWarn(pkg.ComponentTransfer, "ZLP while transfer active",
			"address", e.Address)
	}
	e.active = true
	e.buf = nil
	e.total = 0
	e.cursor = 0
	e.bytesLeft = 0
	e.currentLen = 0
	e.nextPID = 1
	e.arm()
	e.mutex.Unlock()
}

// arm hands the current chunk to the hardware with the next PID and
// toggles it. Caller holds the mutex.
func (e *Endpoint) arm() {
	pid := e.nextPID
	e.nextPID ^= 1
	e.hw.Arm(pid, e.currentLen)
}

// complete dispatches a buffer-completion event from the HAL.
func (e *Endpoint) complete(actualLen uint16) {
	if e.IsIn() {
		e.completeIn(actualLen)
	} else {
		e.completeOut(actualLen)
	}
}

// completeIn handles an IN buffer completion: the controller has sent
// one packet to the host. Either arm the next chunk or finish the
// transfer and report it.
func (e *Endpoint) completeIn(uint16) {
	e.mutex.Lock()
	if !e.active {
		e.mutex.Unlock()
		return
	}
	if e.bytesLeft == 0 {
		e.active = false
		handler := e.DataHandler
		buf, n := e.buf, e.total
		e.mutex.Unlock()
		if handler != nil {
			handler(buf, n)
		}
		return
	}
	e.currentLen = uint16(e.bytesLeft)
	if e.currentLen > e.MaxPacketSize {
		e.currentLen = e.MaxPacketSize
	}
	copyBuffer(e.hw.Buffer()[:e.currentLen], e.buf[e.cursor:e.cursor+int(e.currentLen)])
	e.bytesLeft -= int(e.currentLen)
	e.cursor += int(e.currentLen)
	e.arm()
	e.mutex.Unlock()
}

// completeOut handles an OUT buffer completion: the host has sent one
// packet. Copy it out, then terminate on exhaustion or short packet,
// otherwise arm the next chunk.
func (e *Endpoint) completeOut(actualLen uint16) {
	e.mutex.Lock()
	if !e.active {
		e.mutex.Unlock()
		return
	}
	if actualLen > 0 {
		copyBuffer(e.buf[e.cursor:e.cursor+int(actualLen)], e.hw.Buffer()[:actualLen])
	}
	e.bytesLeft -= int(actualLen)
	e.cursor += int(actualLen)
	if e.bytesLeft == 0 || actualLen < e.currentLen {
		e.active = false
		handler := e.DataHandler
		buf := e.buf
		n := e.total - e.bytesLeft
		e.mutex.Unlock()
		if handler != nil {
			handler(buf, n)
		}
		return
	}
	e.currentLen = uint16(e.bytesLeft)
	if e.currentLen > e.MaxPacketSize {
		e.currentLen = e.MaxPacketSize
	}
	e.arm()
	e.mutex.Unlock()
}

// copyBuffer moves bytes between user memory and packet RAM, honoring
// the bytewise switch for controllers that fault on unaligned word
// access to their USB RAM.
func copyBuffer(dst, src []byte) {
	if bytewiseCopy {
		for i := range src {
			dst[i] = src[i]
		}
		return
	}
	copy(dst, src)
}
