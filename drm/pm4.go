//go:build linux

package drm

// PM4 type-3 packet header:
// 0                                                                       31
// |-----------------------------------------------------------------------|
// | Predicate (1) |  Shader type (1) | Reserved (6) | Opcode (8) | ...    |
// |   ...  Count-1 (14)  |  Type = 3 (2)                                  |
// |-----------------------------------------------------------------------|
// The count field holds one less than the number of payload dwords.

const (
	Pkt3OpNop            = 0x10
	Pkt3OpIndirectBuffer = 0x3F
)

// Pkt3 builds a type-3 packet header for op with count payload dwords.
func Pkt3(op uint32, count uint32) uint32 {
	return 3<<30 | ((count-1)&0x3fff)<<16 | (op&0xff)<<8
}

// Pad words for unused space in an IB. GFX6 parsers choke on type-3 NOPs
// used as filler and need the type-2 form instead.
const (
	PadNop      = 0xffff1000 // PKT3 NOP with maximum count
	PadNopType2 = 0x80000000
)

// INDIRECT_BUFFER control dword, the third payload dword of the chain
// packet: bits 0-19 hold the target IB size in dwords, bit 20 marks the
// jump as a chain (no return), bit 23 marks the descriptor valid.
const (
	IBControlSizeMask = 0xfffff
	IBControlChain    = 1 << 20
	IBControlValid    = 1 << 23
)

// IBControl packs the INDIRECT_BUFFER control dword.
func IBControl(sizeDW uint32, chain bool) uint32 {
	c := sizeDW&IBControlSizeMask | IBControlValid
	if chain {
		c |= IBControlChain
	}
	return c
}

// IBControlSize recovers the size field from a control dword.
func IBControlSize(control uint32) uint32 {
	return control & IBControlSizeMask
}

// ChainPacketLen is the full length in dwords of an INDIRECT_BUFFER
// chain packet: header, VA low, VA high, control.
const ChainPacketLen = 4

// EncodeChain writes an INDIRECT_BUFFER chain packet into b, which must
// hold at least ChainPacketLen dwords.
func EncodeChain(b []uint32, va uint64, sizeDW uint32, chain bool) {
	b[0] = Pkt3(Pkt3OpIndirectBuffer, 3)
	b[1] = uint32(va)
	b[2] = uint32(va >> 32)
	b[3] = IBControl(sizeDW, chain)
}
