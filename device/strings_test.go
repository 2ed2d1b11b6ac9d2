package device

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStringTableAdd(t *testing.T) {
	table := NewStringTable()
	assert.Equal(t, 1, table.Count()) // language slot

	idx := table.Add("Vendor")
	assert.Equal(t, uint8(1), idx)
	assert.Equal(t, "Vendor", table.String(idx))

	idx2 := table.Add("Vendor") // no deduplication
	assert.Equal(t, uint8(2), idx2)
}

func TestStringTableFull(t *testing.T) {
	table := NewStringTable()
	for i := 1; i < MaxStrings; i++ {
		assert.NotZero(t, table.Add("s"))
	}
	assert.Zero(t, table.Add("overflow"))
	assert.Equal(t, MaxStrings, table.Count())
}

func TestStringTableDescriptorIndexZero(t *testing.T) {
	table := NewStringTable()
	var buf [8]byte
	n := table.DescriptorTo(0, buf[:])
	require.Equal(t, 4, n)
	assert.Equal(t, []byte{0x04, 0x03, 0x09, 0x04}, buf[:n])
}

func TestStringTableDescriptorUTF16(t *testing.T) {
	table := NewStringTable()
	idx := table.Add("ABC")

	var buf [16]byte
	n := table.DescriptorTo(idx, buf[:])
	require.Equal(t, 8, n)
	assert.Equal(t, []byte{0x08, 0x03, 'A', 0, 'B', 0, 'C', 0}, buf[:n])
}

func TestStringTableDescriptorUnknownIndex(t *testing.T) {
	table := NewStringTable()
	var buf [16]byte
	assert.Zero(t, table.DescriptorTo(5, buf[:]))
}

func TestStringTableUTF8Descriptor(t *testing.T) {
	table := NewStringTable()
	idx := table.Add("ab")

	var buf [8]byte
	n := table.UTF8DescriptorTo(idx, buf[:])
	require.Equal(t, 4, n)
	assert.Equal(t, []byte{0x04, 0x03, 'a', 'b'}, buf[:n])
}

func TestAppendUTF16(t *testing.T) {
	var buf [16]byte
	n := AppendUTF16(buf[:], "Hi")
	require.Equal(t, 6, n)
	assert.Equal(t, []byte{'H', 0, 'i', 0, 0, 0}, buf[:n])
}
