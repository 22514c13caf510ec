package radwin

import (
	"testing"

	"github.com/radgpu/radwin/drm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestContext(t *testing.T, d *Device) *Context {
	t.Helper()
	c, err := d.NewContext()
	require.NoError(t, err)
	return c
}

func finalizedCs(t *testing.T, d *Device, words ...uint32) *Cs {
	t.Helper()
	cs, err := d.NewCs(drm.HwIPGfx, 0, 0)
	require.NoError(t, err)
	cs.EmitSlice(words)
	require.NoError(t, cs.Finalize())
	return cs
}

func TestSubmit_RejectsEmptyAndFailed(t *testing.T) {
	d, _ := newTestDevice(t, "")
	c := newTestContext(t, d)

	assert.Error(t, c.Submit(&SubmitRequest{}))

	cs, err := d.NewCs(drm.HwIPGfx, 0, 0)
	require.NoError(t, err)
	cs.Grow(int(d.maxDwords) + 1)
	require.True(t, cs.Failed())
	assert.Error(t, c.Submit(&SubmitRequest{Streams: []*Cs{cs}}))
}

func TestSubmit_RejectsMixedQueues(t *testing.T) {
	d, f := newTestDevice(t, "")
	c := newTestContext(t, d)

	gfx := finalizedCs(t, d, 1)
	dma, err := d.NewCs(drm.HwIPDMA, 0, 0)
	require.NoError(t, err)
	dma.Emit(2)
	require.NoError(t, dma.Finalize())

	err = c.Submit(&SubmitRequest{Streams: []*Cs{gfx, dma}})
	assert.Error(t, err)
	assert.Empty(t, f.Submissions)
}

func TestSubmit_SingleStream(t *testing.T) {
	d, f := newTestDevice(t, "")
	c := newTestContext(t, d)

	cs := finalizedCs(t, d, 0x11, 0x22)
	var fence Fence
	require.NoError(t, c.Submit(&SubmitRequest{Streams: []*Cs{cs}, Fence: &fence}))

	require.Len(t, f.Submissions, 1)
	sub := f.Submissions[0]
	require.Len(t, sub.IBs, 1)
	assert.Equal(t, cs.firstIB.VA(), sub.IBs[0].VAStart)
	assert.Equal(t, cs.ibSize*4, sub.IBs[0].IBBytes)
	assert.Equal(t, uint32(drm.HwIPGfx), sub.IBs[0].IPType)

	// The user fence chunk always points at the context's fence page slot
	// for the queue.
	require.NotNil(t, sub.Fence)
	assert.Equal(t, c.fenceBO.handle, sub.Fence.Handle)
	assert.Equal(t, c.userFenceOffset(drm.HwIPGfx, 0), sub.Fence.Offset)

	assert.Equal(t, uint64(1), fence.SeqNo)
	assert.Same(t, c.LastFence(drm.HwIPGfx, 0).user, fence.user)
}

func TestSubmit_FenceSequenceIsMonotonic(t *testing.T) {
	d, _ := newTestDevice(t, "")
	c := newTestContext(t, d)

	var prev uint64
	for i := 0; i < 5; i++ {
		cs := finalizedCs(t, d, uint32(i))
		var fence Fence
		require.NoError(t, c.Submit(&SubmitRequest{Streams: []*Cs{cs}, Fence: &fence}))
		assert.Greater(t, fence.SeqNo, prev)
		prev = fence.SeqNo
		assert.Equal(t, prev, c.LastFence(drm.HwIPGfx, 0).SeqNo)
	}
}

func TestSubmit_UserFenceFastPath(t *testing.T) {
	d, f := newTestDevice(t, "")
	c := newTestContext(t, d)

	cs := finalizedCs(t, d, 1)
	var fence Fence
	require.NoError(t, c.Submit(&SubmitRequest{Streams: []*Cs{cs}, Fence: &fence}))

	// The fake hardware completed the work and wrote the fence page, so
	// the wait never enters the kernel.
	assert.True(t, fence.Signaled())
	assert.True(t, d.FenceWait(&fence, drm.TimeoutInfinite, false))
	assert.Equal(t, 0, f.WaitCsCalls)
}

func TestSubmit_DepsAndSyncobjs(t *testing.T) {
	d, f := newTestDevice(t, "")
	c := newTestContext(t, d)

	wait, err := d.CreateSyncobj(true)
	require.NoError(t, err)
	signal, err := d.CreateSyncobj(false)
	require.NoError(t, err)

	dep := &Fence{CtxID: 9, IPType: drm.HwIPCompute, Ring: 1, SeqNo: 42}
	cs := finalizedCs(t, d, 1)
	require.NoError(t, c.Submit(&SubmitRequest{
		Streams:        []*Cs{cs},
		Deps:           []*Fence{dep},
		WaitSyncobjs:   []*Syncobj{wait},
		SignalSyncobjs: []*Syncobj{signal},
	}))

	require.Len(t, f.Submissions, 1)
	sub := f.Submissions[0]
	require.Len(t, sub.Deps, 1)
	assert.Equal(t, uint32(9), sub.Deps[0].CtxID)
	assert.Equal(t, uint32(drm.HwIPCompute), sub.Deps[0].IPType)
	assert.Equal(t, uint64(42), sub.Deps[0].Handle)
	assert.Equal(t, []uint32{wait.Handle}, sub.Waits)
	assert.Equal(t, []uint32{signal.Handle}, sub.Signals)
}

func TestSubmit_KernelRejection(t *testing.T) {
	d, f := newTestDevice(t, "")
	c := newTestContext(t, d)

	f.FailSubmit = assert.AnError
	cs := finalizedCs(t, d, 1)
	assert.Error(t, c.Submit(&SubmitRequest{Streams: []*Cs{cs}}))
	assert.Nil(t, c.LastFence(drm.HwIPGfx, 0))
}

func TestSubmitChained_SingleRequest(t *testing.T) {
	d, f := newTestDevice(t, "")
	c := newTestContext(t, d)

	// One more stream than fits in a single request forces the chain.
	streams := make([]*Cs, d.maxSubmitIBs+1)
	for i := range streams {
		streams[i] = finalizedCs(t, d, uint32(0x100+i))
	}

	var fence Fence
	require.NoError(t, c.Submit(&SubmitRequest{
		Streams:    streams,
		AllowChain: true,
		Fence:      &fence,
	}))

	// The kernel sees one request carrying only the first IB; the chain
	// packets lead the hardware through the rest.
	require.Len(t, f.Submissions, 1)
	sub := f.Submissions[0]
	require.Len(t, sub.IBs, 1)
	assert.Equal(t, streams[0].firstIB.VA(), sub.IBs[0].VAStart)

	for i := 0; i < len(streams)-1; i++ {
		cs := streams[i]
		require.True(t, cs.isChained, "stream %d", i)
		next := streams[i+1]
		slot := cs.words[cs.chainSlot:]
		assert.Equal(t, drm.Pkt3(drm.Pkt3OpIndirectBuffer, 3), slot[0])
		assert.Equal(t, uint32(next.firstIB.VA()), slot[1])
		assert.Equal(t, drm.IBControl(next.ibSize, true), slot[3])
	}
	assert.False(t, streams[len(streams)-1].isChained)

	// Every stream's backing buffer is in the BO list even though only
	// the first appears as a descriptor.
	for i, cs := range streams {
		assert.Contains(t, sub.BoList, drm.BoListEntry{BoHandle: cs.firstIB.handle}, "stream %d", i)
	}

	assert.Equal(t, uint64(1), fence.SeqNo)
}

func TestSubmitChained_RechainWithDifferentTail(t *testing.T) {
	d, f := newTestDevice(t, "")
	c := newTestContext(t, d)

	streams := make([]*Cs, d.maxSubmitIBs+2)
	for i := range streams {
		streams[i] = finalizedCs(t, d, uint32(i))
	}

	require.NoError(t, c.Submit(&SubmitRequest{Streams: streams, AllowChain: true}))

	// Resubmitting a shorter batch must undo the stale chain packet of
	// the new tail before patching.
	short := streams[:d.maxSubmitIBs+1]
	require.NoError(t, c.Submit(&SubmitRequest{Streams: short, AllowChain: true}))

	tail := short[len(short)-1]
	assert.False(t, tail.isChained)
	for i := 0; i < drm.ChainPacketLen; i++ {
		assert.Equal(t, uint32(drm.PadNop), tail.words[tail.chainSlot+i])
	}
	assert.Len(t, f.Submissions, 2)
}

func TestSubmitFallback_GroupsAtKernelLimit(t *testing.T) {
	d, f := newTestDevice(t, "")
	c := newTestContext(t, d)

	signal, err := d.CreateSyncobj(false)
	require.NoError(t, err)
	wait, err := d.CreateSyncobj(true)
	require.NoError(t, err)

	streams := make([]*Cs, 6)
	for i := range streams {
		streams[i] = finalizedCs(t, d, uint32(i))
	}

	var fence Fence
	require.NoError(t, c.Submit(&SubmitRequest{
		Streams:        streams,
		WaitSyncobjs:   []*Syncobj{wait},
		SignalSyncobjs: []*Syncobj{signal},
		Fence:          &fence,
	}))

	// Six streams at a limit of four split into requests of four and two.
	require.Len(t, f.Submissions, 2)
	assert.Len(t, f.Submissions[0].IBs, 4)
	assert.Len(t, f.Submissions[1].IBs, 2)
	for i, cs := range streams {
		sub := f.Submissions[i/4]
		desc := sub.IBs[i%4]
		assert.Equal(t, cs.firstIB.VA(), desc.VAStart)
	}

	// Waits gate only the first request, signals fire only after the last.
	assert.Equal(t, []uint32{wait.Handle}, f.Submissions[0].Waits)
	assert.Empty(t, f.Submissions[0].Signals)
	assert.Empty(t, f.Submissions[1].Waits)
	assert.Equal(t, []uint32{signal.Handle}, f.Submissions[1].Signals)

	// The caller's fence tracks the last request.
	assert.Equal(t, f.Submissions[1].SeqNo, fence.SeqNo)
}

func TestSubmitFallback_PreambleRidesEveryRequest(t *testing.T) {
	d, f := newTestDevice(t, "")
	c := newTestContext(t, d)

	preamble := finalizedCs(t, d, 0xcafe)
	streams := make([]*Cs, 4)
	for i := range streams {
		streams[i] = finalizedCs(t, d, uint32(i))
	}

	require.NoError(t, c.Submit(&SubmitRequest{Streams: streams, Preamble: preamble}))

	// The preamble occupies one descriptor slot, so four streams need two
	// requests of three and one.
	require.Len(t, f.Submissions, 2)
	for _, sub := range f.Submissions {
		require.NotEmpty(t, sub.IBs)
		assert.Equal(t, uint32(drm.IBFlagPreamble), sub.IBs[0].Flags)
		assert.Equal(t, preamble.firstIB.VA(), sub.IBs[0].VAStart)
	}
	assert.Len(t, f.Submissions[0].IBs, 4)
	assert.Len(t, f.Submissions[1].IBs, 2)
}

func TestSubmitFallback_UnchainsReusedStreams(t *testing.T) {
	d, _ := newTestDevice(t, "")
	c := newTestContext(t, d)

	streams := make([]*Cs, d.maxSubmitIBs+1)
	for i := range streams {
		streams[i] = finalizedCs(t, d, uint32(i))
	}
	require.NoError(t, c.Submit(&SubmitRequest{Streams: streams, AllowChain: true}))
	require.True(t, streams[0].isChained)

	// The same streams submitted without chaining must run standalone.
	require.NoError(t, c.Submit(&SubmitRequest{Streams: streams[:2]}))
	assert.False(t, streams[0].isChained)
	assert.False(t, streams[1].isChained)
}

func TestSubmitSysmem_ConcatenatesStreams(t *testing.T) {
	d, f := newTestDevice(t, "device:\n  use_ibs: false")
	c := newTestContext(t, d)

	a, err := d.NewCs(drm.HwIPGfx, 0, 0)
	require.NoError(t, err)
	a.EmitSlice([]uint32{1, 2, 3})
	require.NoError(t, a.Finalize())

	b, err := d.NewCs(drm.HwIPGfx, 0, 0)
	require.NoError(t, err)
	b.Emit(9)
	require.NoError(t, b.Finalize())

	buffersBefore := len(f.buffers)
	var fence Fence
	require.NoError(t, c.Submit(&SubmitRequest{Streams: []*Cs{a, b}, Fence: &fence}))

	// Both streams packed into one temporary buffer, each aligned to an
	// 8-dword boundary with pad nops.
	require.Len(t, f.Submissions, 1)
	sub := f.Submissions[0]
	require.Len(t, sub.IBs, 1)
	require.Len(t, sub.IBData, 1)
	want := []uint32{
		1, 2, 3, drm.PadNop, drm.PadNop, drm.PadNop, drm.PadNop, drm.PadNop,
		9, drm.PadNop, drm.PadNop, drm.PadNop, drm.PadNop, drm.PadNop, drm.PadNop, drm.PadNop,
	}
	assert.Equal(t, want, sub.IBData[0])
	assert.Equal(t, uint32(len(want)*4), sub.IBs[0].IBBytes)

	// The temporary buffer does not outlive the submission.
	assert.Equal(t, buffersBefore, len(f.buffers))
	assert.Equal(t, sub.SeqNo, fence.SeqNo)
}

func TestSubmitSysmem_Type2PadsOnGfx6(t *testing.T) {
	d, f := newTestDeviceFamily(t, "", drm.FamilySI)
	c := newTestContext(t, d)
	require.True(t, d.padWithType2)

	cs, err := d.NewCs(drm.HwIPGfx, 0, 0)
	require.NoError(t, err)
	cs.Emit(0xabcd)
	require.NoError(t, cs.Finalize())

	require.NoError(t, c.Submit(&SubmitRequest{Streams: []*Cs{cs}}))

	require.Len(t, f.Submissions, 1)
	data := f.Submissions[0].IBData[0]
	require.Len(t, data, 8)
	assert.Equal(t, uint32(0xabcd), data[0])
	for _, w := range data[1:] {
		assert.Equal(t, uint32(drm.PadNopType2), w)
	}
}

func TestSubmitSysmem_SplitsAtDwordLimit(t *testing.T) {
	d, f := newTestDevice(t, "device:\n  use_ibs: false\nlimits:\n  max_ib_dwords: 16")
	c := newTestContext(t, d)

	streams := make([]*Cs, 3)
	for i := range streams {
		cs, err := d.NewCs(drm.HwIPGfx, 0, 0)
		require.NoError(t, err)
		for j := 0; j < 10; j++ {
			cs.Emit(uint32(i*100 + j))
		}
		require.NoError(t, cs.Finalize())
		streams[i] = cs
	}

	// Ten dwords per stream and a sixteen dword ceiling: one stream per
	// request.
	require.NoError(t, c.Submit(&SubmitRequest{Streams: streams}))
	require.Len(t, f.Submissions, 3)
	for i, sub := range f.Submissions {
		require.Len(t, sub.IBData, 1)
		assert.Equal(t, uint32(i*100), sub.IBData[0][0])
	}
}

func TestSubmitSysmem_OverflowedStreamUsesMultipleIBs(t *testing.T) {
	d, f := newTestDevice(t, "device:\n  use_ibs: false\nlimits:\n  max_ib_dwords: 4096")
	c := newTestContext(t, d)

	cs, err := d.NewCs(drm.HwIPGfx, 0, 0)
	require.NoError(t, err)
	n := int(d.maxDwords) + 1
	for i := 0; i < n; i++ {
		cs.Emit(uint32(i))
	}
	require.False(t, cs.Failed())
	require.Len(t, cs.oldWords, 1)
	require.NoError(t, cs.Finalize())

	require.NoError(t, c.Submit(&SubmitRequest{Streams: []*Cs{cs}}))

	// The snapshot and the live tail each become a descriptor in one
	// request.
	require.Len(t, f.Submissions, 1)
	sub := f.Submissions[0]
	require.Len(t, sub.IBs, 2)
	require.Len(t, sub.IBData, 2)
	assert.Equal(t, uint32(0), sub.IBData[0][0])
	assert.Equal(t, d.maxDwords*4, sub.IBs[0].IBBytes)
	assert.Equal(t, uint32(d.maxDwords), sub.IBData[1][0])
}

func TestSubmitSysmem_OverflowBeyondDescriptorLimit(t *testing.T) {
	d, f := newTestDevice(t, `
device:
  use_ibs: false
limits:
  max_ib_dwords: 4096
  max_submit_ibs: 2
`)
	c := newTestContext(t, d)

	cs, err := d.NewCs(drm.HwIPGfx, 0, 0)
	require.NoError(t, err)

	// max_submit_ibs of two allows one snapshot; a preamble eats one
	// descriptor slot, leaving no room for snapshot plus tail.
	for i := 0; i < int(d.maxDwords)+1; i++ {
		cs.Emit(uint32(i))
	}
	require.False(t, cs.Failed())
	require.Len(t, cs.oldWords, 1)
	require.NoError(t, cs.Finalize())

	preamble, err := d.NewCs(drm.HwIPGfx, 0, 0)
	require.NoError(t, err)
	preamble.Emit(0xfeed)
	require.NoError(t, preamble.Finalize())

	err = c.Submit(&SubmitRequest{Streams: []*Cs{cs}, Preamble: preamble})
	assert.Error(t, err)
	assert.Empty(t, f.Submissions)
}

func TestSubmitFallback_PreambleNeedsDescriptorSlot(t *testing.T) {
	d, f := newTestDevice(t, `
limits:
  max_submit_ibs: 1
`)
	c := newTestContext(t, d)

	preamble := finalizedCs(t, d, 0xfeed)
	streams := []*Cs{
		finalizedCs(t, d, 0x1111),
		finalizedCs(t, d, 0x2222),
	}

	// A one descriptor kernel limit leaves no room for a stream once the
	// preamble takes its slot.
	err := c.Submit(&SubmitRequest{Streams: streams, Preamble: preamble})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "preamble leaves no stream descriptors")
	assert.Empty(t, f.Submissions)
}

func TestSubmitSysmem_PreamblePlusStreamOverLimit(t *testing.T) {
	d, f := newTestDevice(t, `
device:
  use_ibs: false
limits:
  max_ib_dwords: 16
`)
	c := newTestContext(t, d)

	preamble, err := d.NewCs(drm.HwIPGfx, 0, 0)
	require.NoError(t, err)
	for i := 0; i < 8; i++ {
		preamble.Emit(0xfeed)
	}
	require.NoError(t, preamble.Finalize())

	// The stream fits the limit on its own but not behind the preamble.
	cs, err := d.NewCs(drm.HwIPGfx, 0, 0)
	require.NoError(t, err)
	for i := 0; i < 16; i++ {
		cs.Emit(uint32(i))
	}
	require.NoError(t, cs.Finalize())

	err = c.Submit(&SubmitRequest{Streams: []*Cs{cs}, Preamble: preamble})
	require.Error(t, err)
	assert.Empty(t, f.Submissions)

	// Without the preamble the same stream goes through.
	require.NoError(t, c.Submit(&SubmitRequest{Streams: []*Cs{cs}}))
	require.Len(t, f.Submissions, 1)
}
