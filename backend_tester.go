package radwin

import (
	"fmt"

	"github.com/radgpu/radwin/drm"
)

// fakeKernel is an in-memory stand-in for the amdgpu kernel interface.
// Buffers are heap slices, submissions complete instantly, and every
// request is recorded so tests can assert on exactly what would have
// crossed the ioctl boundary.
type fakeKernel struct {
	family uint32

	nextHandle uint32
	nextVA     uint64
	buffers    map[uint32][]byte
	vas        map[uint64]uint32

	nextList uint32
	boLists  map[uint32][]drm.BoListEntry

	nextCtx uint32
	ctxs    map[uint32]bool

	nextSyncobj uint32
	syncobjs    map[uint32]bool

	// seq and completed are keyed by (ctx, ip, ring).
	seq       map[[3]uint32]uint64
	completed map[[3]uint32]uint64

	// Submissions holds a deep copy of every submitArgs seen, with the
	// BO list resolved to its entries.
	Submissions []fakeSubmission

	WaitCsCalls     int
	WaitFencesCalls int

	// Fault injection.
	FailAlloc  error
	FailSubmit error
	FailBoList error
}

type fakeSubmission struct {
	CtxID   uint32
	BoList  []drm.BoListEntry
	IBs     []drm.CsChunkIB
	Fence   *drm.CsChunkFence
	Deps    []drm.CsChunkDep
	Waits   []uint32
	Signals []uint32
	SeqNo   uint64

	// IBData snapshots the dwords each IB descriptor pointed at as of
	// the submission, resolved through the fake VA space.
	IBData [][]uint32
}

func newFakeKernel() *fakeKernel {
	return &fakeKernel{
		family:      drm.FamilyAI,
		nextHandle:  1,
		nextVA:      1 << 32,
		buffers:     make(map[uint32][]byte),
		vas:         make(map[uint64]uint32),
		nextList:    1,
		boLists:     make(map[uint32][]drm.BoListEntry),
		nextCtx:     1,
		ctxs:        make(map[uint32]bool),
		nextSyncobj: 1,
		syncobjs:    make(map[uint32]bool),
		seq:         make(map[[3]uint32]uint64),
		completed:   make(map[[3]uint32]uint64),
	}
}

func (f *fakeKernel) Close() error { return nil }

func (f *fakeKernel) DeviceInfo() (drm.InfoDevice, error) {
	return drm.InfoDevice{Family: f.family, DeviceID: 0x66af}, nil
}

func (f *fakeKernel) BufferAlloc(size, alignment uint64, domains, flags uint64) (uint32, uint64, error) {
	if f.FailAlloc != nil {
		return 0, 0, f.FailAlloc
	}
	h := f.nextHandle
	f.nextHandle++
	f.buffers[h] = make([]byte, size)
	va := f.nextVA
	f.nextVA += (size + 4095) &^ 4095
	f.vas[va] = h
	return h, va, nil
}

func (f *fakeKernel) BufferMap(handle uint32, size uint64) ([]byte, error) {
	m, ok := f.buffers[handle]
	if !ok {
		return nil, fmt.Errorf("no such buffer %#x", handle)
	}
	return m, nil
}

func (f *fakeKernel) BufferUnmap(m []byte) error { return nil }

func (f *fakeKernel) BufferFree(handle uint32) error {
	if _, ok := f.buffers[handle]; !ok {
		return fmt.Errorf("no such buffer %#x", handle)
	}
	delete(f.buffers, handle)
	return nil
}

func (f *fakeKernel) BufferWaitIdle(handle uint32, timeoutNs uint64) (bool, error) {
	return true, nil
}

func (f *fakeKernel) BoListCreate(entries []drm.BoListEntry) (uint32, error) {
	if f.FailBoList != nil {
		return 0, f.FailBoList
	}
	h := f.nextList
	f.nextList++
	f.boLists[h] = append([]drm.BoListEntry(nil), entries...)
	return h, nil
}

func (f *fakeKernel) BoListDestroy(handle uint32) error {
	if _, ok := f.boLists[handle]; !ok {
		return fmt.Errorf("no such bo list %#x", handle)
	}
	delete(f.boLists, handle)
	return nil
}

func (f *fakeKernel) CtxAlloc() (uint32, error) {
	id := f.nextCtx
	f.nextCtx++
	f.ctxs[id] = true
	return id, nil
}

func (f *fakeKernel) CtxFree(id uint32) error {
	if !f.ctxs[id] {
		return fmt.Errorf("no such context %d", id)
	}
	delete(f.ctxs, id)
	return nil
}

func (f *fakeKernel) Submit(a *submitArgs) (uint64, error) {
	if f.FailSubmit != nil {
		return 0, f.FailSubmit
	}

	ip := a.ibs[len(a.ibs)-1]
	key := [3]uint32{a.ctxID, ip.IPType, ip.Ring}
	f.seq[key]++
	seq := f.seq[key]
	// The fake hardware retires work instantly.
	f.completed[key] = seq

	if a.fence != nil {
		if m, ok := f.buffers[a.fence.Handle]; ok && int(a.fence.Offset)+8 <= len(m) {
			putUint64(m[a.fence.Offset:], seq)
		}
	}

	rec := fakeSubmission{
		CtxID:   a.ctxID,
		IBs:     append([]drm.CsChunkIB(nil), a.ibs...),
		Deps:    append([]drm.CsChunkDep(nil), a.deps...),
		Waits:   append([]uint32(nil), a.waits...),
		Signals: append([]uint32(nil), a.signals...),
		SeqNo:   seq,
	}
	if a.fence != nil {
		fc := *a.fence
		rec.Fence = &fc
	}
	if a.boList != 0 {
		rec.BoList = append([]drm.BoListEntry(nil), f.boLists[a.boList]...)
	}
	for _, desc := range a.ibs {
		var data []uint32
		if h, ok := f.vas[desc.VAStart]; ok {
			if m := f.buffers[h]; int(desc.IBBytes) <= len(m) {
				data = append(data, unsafeWords(m[:desc.IBBytes])...)
			}
		}
		rec.IBData = append(rec.IBData, data)
	}
	f.Submissions = append(f.Submissions, rec)

	for _, h := range a.signals {
		f.syncobjs[h] = true
	}
	return seq, nil
}

func putUint64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}

func (f *fakeKernel) WaitCs(fence *drm.Fence, timeoutNs uint64, absolute bool) (bool, error) {
	f.WaitCsCalls++
	key := [3]uint32{fence.CtxID, fence.IPType, fence.Ring}
	return f.completed[key] >= fence.SeqNo, nil
}

func (f *fakeKernel) WaitFences(fences []drm.Fence, waitAll bool, timeoutNs uint64) (bool, uint32, error) {
	f.WaitFencesCalls++
	for i, fe := range fences {
		key := [3]uint32{fe.CtxID, fe.IPType, fe.Ring}
		done := f.completed[key] >= fe.SeqNo
		if done && !waitAll {
			return true, uint32(i), nil
		}
		if !done && waitAll {
			return false, 0, nil
		}
	}
	return waitAll, 0, nil
}

func (f *fakeKernel) SyncobjCreate(flags uint32) (uint32, error) {
	h := f.nextSyncobj
	f.nextSyncobj++
	f.syncobjs[h] = flags&drm.SyncobjCreateSignaled != 0
	return h, nil
}

func (f *fakeKernel) SyncobjDestroy(handle uint32) error {
	if _, ok := f.syncobjs[handle]; !ok {
		return fmt.Errorf("no such syncobj %#x", handle)
	}
	delete(f.syncobjs, handle)
	return nil
}

func (f *fakeKernel) SyncobjReset(handles []uint32) error {
	for _, h := range handles {
		f.syncobjs[h] = false
	}
	return nil
}

func (f *fakeKernel) SyncobjSignal(handles []uint32) error {
	for _, h := range handles {
		f.syncobjs[h] = true
	}
	return nil
}

func (f *fakeKernel) SyncobjWait(handles []uint32, timeoutNs int64, flags uint32) (bool, uint32, error) {
	all := flags&drm.SyncobjWaitFlagsWaitAll != 0
	for i, h := range handles {
		if f.syncobjs[h] && !all {
			return true, uint32(i), nil
		}
		if !f.syncobjs[h] && all {
			return false, 0, nil
		}
	}
	return all, 0, nil
}

func (f *fakeKernel) SyncobjExport(handle uint32, flags uint32) (int, error) {
	return 100 + int(handle), nil
}

func (f *fakeKernel) SyncobjImport(fd int, flags uint32, handle uint32) (uint32, error) {
	if flags&drm.SyncobjFdToHandleFlagsImportSyncFile != 0 {
		f.syncobjs[handle] = true
		return handle, nil
	}
	h := f.nextSyncobj
	f.nextSyncobj++
	f.syncobjs[h] = true
	return h, nil
}
