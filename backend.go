package radwin

import (
	"github.com/radgpu/radwin/drm"
)

// submitArgs is the fully resolved payload for one CS ioctl, built by a
// submission strategy and handed to the kernel backend.
type submitArgs struct {
	ctxID   uint32
	boList  uint32
	ibs     []drm.CsChunkIB
	fence   *drm.CsChunkFence
	deps    []drm.CsChunkDep
	waits   []uint32 // syncobj handles to wait on
	signals []uint32 // syncobj handles to signal
}

// kernelOps is the seam between the winsys and the kernel. The real
// implementation issues ioctls against the render node; tests swap in an
// in-memory fake so strategy behavior is observable without hardware.
type kernelOps interface {
	DeviceInfo() (drm.InfoDevice, error)

	BufferAlloc(size, alignment uint64, domains, flags uint64) (handle uint32, va uint64, err error)
	BufferMap(handle uint32, size uint64) ([]byte, error)
	BufferUnmap(m []byte) error
	BufferFree(handle uint32) error
	BufferWaitIdle(handle uint32, timeoutNs uint64) (idle bool, err error)

	BoListCreate(entries []drm.BoListEntry) (uint32, error)
	BoListDestroy(handle uint32) error

	CtxAlloc() (uint32, error)
	CtxFree(id uint32) error

	Submit(a *submitArgs) (seq uint64, err error)
	WaitCs(f *drm.Fence, timeoutNs uint64, absolute bool) (signaled bool, err error)
	WaitFences(fences []drm.Fence, waitAll bool, timeoutNs uint64) (signaled bool, first uint32, err error)

	SyncobjCreate(flags uint32) (uint32, error)
	SyncobjDestroy(handle uint32) error
	SyncobjReset(handles []uint32) error
	SyncobjSignal(handles []uint32) error
	SyncobjWait(handles []uint32, timeoutNs int64, flags uint32) (signaled bool, first uint32, err error)
	SyncobjExport(handle uint32, flags uint32) (fd int, err error)
	SyncobjImport(fd int, flags uint32, handle uint32) (uint32, error)

	Close() error
}
