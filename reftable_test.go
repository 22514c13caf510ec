package radwin

import (
	"math/rand"
	"testing"

	"github.com/radgpu/radwin/drm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func allocTestBuffer(t *testing.T, d *Device) *Buffer {
	t.Helper()
	b, err := d.AllocBuffer(4096, 4096, drm.DomainVRAM, 0)
	require.NoError(t, err)
	return b
}

func TestRefTable_AddIsIdempotent(t *testing.T) {
	d, _ := newTestDevice(t, "")
	cs, err := d.NewCs(drm.HwIPGfx, 0, 0)
	require.NoError(t, err)

	b := allocTestBuffer(t, d)
	before := len(cs.Buffers())

	cs.AddBuffer(b)
	cs.AddBuffer(b)
	cs.AddBuffer(b)

	assert.Equal(t, before+1, len(cs.Buffers()))
}

func TestRefTable_HashMissFallsBackToScan(t *testing.T) {
	d, _ := newTestDevice(t, "")

	tbl := newRefTable(refHashSize)
	var bos []*Buffer
	for i := 0; i < 32; i++ {
		b := allocTestBuffer(t, d)
		bos = append(bos, b)
		tbl.add(b)
	}

	// Corrupt every hash slot; lookups must still resolve through the
	// authoritative array.
	for i := range tbl.hash {
		tbl.hash[i] = int32(len(tbl.bos)) + 7
	}
	for i, b := range bos {
		assert.Equal(t, i, tbl.find(b))
	}

	// Point a slot at the wrong live entry; the scan must win and then
	// repair the slot.
	h := tbl.slot(bos[5])
	tbl.hash[h] = 0
	assert.Equal(t, 5, tbl.find(bos[5]))
	assert.Equal(t, int32(5), tbl.hash[h])
}

func TestRefTable_FindMissesAbsentBuffer(t *testing.T) {
	d, _ := newTestDevice(t, "")

	tbl := newRefTable(refHashSize)
	in := allocTestBuffer(t, d)
	out := allocTestBuffer(t, d)
	tbl.add(in)

	assert.Equal(t, 0, tbl.find(in))
	assert.Equal(t, -1, tbl.find(out))
}

func TestRefTable_MatchesMapReference(t *testing.T) {
	d, _ := newTestDevice(t, "")

	pool := make([]*Buffer, 64)
	for i := range pool {
		pool[i] = allocTestBuffer(t, d)
	}

	tbl := newRefTable(refHashSize)
	seen := map[*Buffer]bool{}
	r := rand.New(rand.NewSource(1))
	for i := 0; i < 2000; i++ {
		b := pool[r.Intn(len(pool))]
		tbl.add(b)
		seen[b] = true
	}

	require.Equal(t, len(seen), len(tbl.bos))
	for _, b := range tbl.bos {
		assert.True(t, seen[b])
	}
}

func TestRefTable_ResetKeepsCapacity(t *testing.T) {
	d, _ := newTestDevice(t, "")

	tbl := newRefTable(refHashSize)
	for i := 0; i < 16; i++ {
		tbl.add(allocTestBuffer(t, d))
	}
	c := cap(tbl.bos)

	tbl.reset()
	assert.Empty(t, tbl.bos)
	assert.Equal(t, c, cap(tbl.bos))
	for _, h := range tbl.hash {
		assert.Equal(t, int32(-1), h)
	}
}

func TestCs_AddBufferRouting(t *testing.T) {
	d, _ := newTestDevice(t, "")
	cs, err := d.NewCs(drm.HwIPGfx, 0, 0)
	require.NoError(t, err)
	base := len(cs.Buffers())

	local := allocTestBuffer(t, d)
	local.Local = true
	cs.AddBuffer(local)
	assert.Equal(t, base, len(cs.Buffers()))

	b1 := allocTestBuffer(t, d)
	b2 := allocTestBuffer(t, d)
	virt := d.NewVirtualBuffer([]*Buffer{b1, b2})
	cs.AddBuffer(virt)
	assert.Equal(t, base, len(cs.Buffers()))
	require.Len(t, cs.VirtualBuffers(), 1)
	assert.Same(t, virt, cs.VirtualBuffers()[0])

	plain := allocTestBuffer(t, d)
	cs.AddBuffer(plain)
	assert.Equal(t, base+1, len(cs.Buffers()))
}
