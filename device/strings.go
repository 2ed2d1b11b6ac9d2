package device

import (
	"github.com/picodev/usb/pkg"
)

// StringTable stores the strings referenced by descriptor indices.
// Index 0 is reserved for the language ID descriptor (US English).
// Entries are appended in insertion order without deduplication; the
// table is written only during device construction.
type StringTable struct {
	entries [MaxStrings]string
	count   int
}

// NewStringTable creates a string table with the language descriptor
// occupying index 0.
func NewStringTable() *StringTable {
	return &StringTable{count: 1}
}

// Add stores a string and returns the index where it was stored.
// Returns 0 if the table is full; index 0 never refers to a user string.
func (t *StringTable) Add(s string) uint8 {
	if t.count >= MaxStrings {
		pkg.LogWarn(pkg.ComponentDevice, "string table full", "string", s)
		return 0
	}
	idx := t.count
	t.entries[idx] = s
	t.count++
	return uint8(idx)
}

// Count returns the number of occupied entries, including index 0.
func (t *StringTable) Count() int {
	return t.count
}

// String returns the stored string at index, or "" if out of range.
func (t *StringTable) String(index uint8) string {
	if int(index) >= t.count {
		return ""
	}
	return t.entries[index]
}

// DescriptorTo writes the standard UTF-16LE string descriptor for the
// given index into buf. Index 0 produces the language ID descriptor.
// Returns the number of bytes written, or 0 if the index is unoccupied
// or buf is too small.
func (t *StringTable) DescriptorTo(index uint8, buf []byte) int {
	if index == 0 {
		return LanguageDescriptorTo(buf, LangIDUSEnglish)
	}
	if int(index) >= t.count {
		return 0
	}
	return StringDescriptorTo(buf, t.entries[index])
}

// UTF8DescriptorTo writes a UTF-8 string descriptor for the given index
// into buf: [bLength, type, bytes...]. This variant is only used by some
// vendor-specific descriptors (e.g. WebUSB URLs); the USB standard uses
// UTF-16 (see DescriptorTo). Returns the number of bytes written.
func (t *StringTable) UTF8DescriptorTo(index uint8, buf []byte) int {
	if index == 0 || int(index) >= t.count {
		return 0
	}
	s := t.entries[index]
	length := 2 + len(s)
	if length > 255 {
		length = 255
		s = s[:length-2]
	}
	if len(buf) < length {
		return 0
	}
	buf[0] = uint8(length)
	buf[1] = DescriptorTypeString
	copy(buf[2:], s)
	return length
}

// AppendUTF16 converts a string to UTF-16LE including a double NUL
// terminator and writes it to buf. Returns the number of bytes written.
// Each character is written as one 16-bit unit, so characters outside
// the Basic Multilingual Plane are not encoded as surrogate pairs.
// Used by registry-property style descriptors that carry raw UTF-16
// strings outside the string table.
func AppendUTF16(buf []byte, s string) int {
	runes := []rune(s)
	length := len(runes)*2 + 2
	if len(buf) < length {
		return 0
	}
	for i, r := range runes {
		buf[i*2] = byte(r)
		buf[i*2+1] = byte(uint16(r) >> 8)
	}
	buf[length-2] = 0
	buf[length-1] = 0
	return length
}
