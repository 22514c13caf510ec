//go:build linux

package drm

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPkt3(t *testing.T) {
	// NOP with one payload dword: type 3, count field holds count-1.
	assert.Equal(t, uint32(0xc0001000), Pkt3(Pkt3OpNop, 1))
	assert.Equal(t, uint32(0xc0023f00), Pkt3(Pkt3OpIndirectBuffer, 3))

	// The maximum count wraps to all ones in the 14-bit field; the pad
	// nop is exactly that packet.
	assert.Equal(t, uint32(PadNop), Pkt3(Pkt3OpNop, 0x4000))
}

func TestIBControl(t *testing.T) {
	c := IBControl(8, false)
	assert.Equal(t, uint32(8), IBControlSize(c))
	assert.Zero(t, c&IBControlChain)
	assert.NotZero(t, c&IBControlValid)

	c = IBControl(0xfffff, true)
	assert.Equal(t, uint32(0xfffff), IBControlSize(c))
	assert.NotZero(t, c&IBControlChain)

	// The size field never bleeds into the flag bits.
	c = IBControl(0x1fffff, false)
	assert.Equal(t, uint32(0xfffff), IBControlSize(c))
	assert.Zero(t, c&IBControlChain)
}

func TestEncodeChain(t *testing.T) {
	var b [ChainPacketLen]uint32
	EncodeChain(b[:], 0x1234_5678_9abc_def0, 64, true)

	assert.Equal(t, Pkt3(Pkt3OpIndirectBuffer, 3), b[0])
	assert.Equal(t, uint32(0x9abcdef0), b[1])
	assert.Equal(t, uint32(0x12345678), b[2])
	assert.Equal(t, IBControl(64, true), b[3])
}

func TestEncodeChain_SizePatchableByOr(t *testing.T) {
	// The grow path encodes the packet with size zero and ORs the real
	// size in once it is known; the control word must make that safe.
	var b [ChainPacketLen]uint32
	EncodeChain(b[:], 0x10000, 0, true)
	b[3] |= 100
	assert.Equal(t, IBControl(100, true), b[3])
}
