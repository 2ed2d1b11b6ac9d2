package cdc

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFIFOPushPop(t *testing.T) {
	f := NewFIFO(8)
	assert.Equal(t, 8, f.Size())
	assert.Equal(t, 8, f.Free())
	assert.Zero(t, f.Used())

	n := f.Push([]byte{1, 2, 3})
	assert.Equal(t, 3, n)
	assert.Equal(t, 3, f.Used())
	assert.Equal(t, 5, f.Free())

	buf := make([]byte, 8)
	n = f.Pop(buf)
	assert.Equal(t, 3, n)
	assert.Equal(t, []byte{1, 2, 3}, buf[:n])
	assert.Zero(t, f.Used())
}

func TestFIFOOverflowTruncates(t *testing.T) {
	f := NewFIFO(4)
	n := f.Push([]byte{1, 2, 3, 4, 5, 6})
	assert.Equal(t, 4, n)
	assert.Zero(t, f.Free())

	n = f.Push([]byte{7})
	assert.Zero(t, n)
}

func TestFIFOWrapAround(t *testing.T) {
	f := NewFIFO(4)
	buf := make([]byte, 4)

	f.Push([]byte{1, 2, 3})
	f.Pop(buf[:2])
	f.Push([]byte{4, 5, 6})

	n := f.Pop(buf)
	assert.Equal(t, 4, n)
	assert.Equal(t, []byte{3, 4, 5, 6}, buf[:n])
}

func TestFIFODefaultSize(t *testing.T) {
	f := NewFIFO(0)
	assert.Equal(t, DefaultFIFOSize, f.Size())
}
