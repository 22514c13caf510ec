//go:build linux

package radwin

import (
	"runtime"
	"sync"
	"unsafe"

	"github.com/radgpu/radwin/drm"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// kernelBackend issues the real ioctls against an amdgpu render node.
type kernelBackend struct {
	l  *logrus.Logger
	fd int

	// GPU virtual addresses are handed out by a bump allocator; nothing
	// in this winsys ever unmaps and reuses a range.
	vaMu   sync.Mutex
	nextVA uint64
}

func openKernel(l *logrus.Logger, path string) (kernelOps, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, err
	}
	return &kernelBackend{l: l, fd: fd, nextVA: 1 << 32}, nil
}

func (k *kernelBackend) Close() error {
	return unix.Close(k.fd)
}

func ioctl(fd int, req uintptr, arg unsafe.Pointer) error {
	for {
		_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, uintptr(arg))
		if errno == unix.EINTR {
			continue
		}
		if errno != 0 {
			return errno
		}
		return nil
	}
}

func (k *kernelBackend) DeviceInfo() (drm.InfoDevice, error) {
	var dev drm.InfoDevice
	req := drm.Info{
		ReturnPointer: uint64(uintptr(unsafe.Pointer(&dev))),
		ReturnSize:    uint32(unsafe.Sizeof(dev)),
		Query:         drm.InfoQueryDevInfo,
	}
	err := ioctl(k.fd, drm.IoctlInfo, unsafe.Pointer(&req))
	runtime.KeepAlive(&dev)
	return dev, err
}

func (k *kernelBackend) allocVA(size, alignment uint64) uint64 {
	if alignment < 4096 {
		alignment = 4096
	}
	k.vaMu.Lock()
	va := (k.nextVA + alignment - 1) &^ (alignment - 1)
	k.nextVA = va + size
	k.vaMu.Unlock()
	return va
}

func (k *kernelBackend) BufferAlloc(size, alignment uint64, domains, flags uint64) (uint32, uint64, error) {
	req := drm.GemCreate{
		BoSize:      size,
		Alignment:   alignment,
		Domains:     domains,
		DomainFlags: flags,
	}
	if err := ioctl(k.fd, drm.IoctlGemCreate, unsafe.Pointer(&req)); err != nil {
		return 0, 0, err
	}
	handle := req.Handle()

	va := k.allocVA(size, alignment)
	vaReq := drm.GemVA{
		Handle:    handle,
		Operation: drm.VAOpMap,
		Flags:     drm.VAFlagReadable | drm.VAFlagWriteable | drm.VAFlagExecutable,
		VAAddress: va,
		MapSize:   size,
	}
	if err := ioctl(k.fd, drm.IoctlGemVA, unsafe.Pointer(&vaReq)); err != nil {
		k.BufferFree(handle)
		return 0, 0, err
	}
	return handle, va, nil
}

func (k *kernelBackend) BufferMap(handle uint32, size uint64) ([]byte, error) {
	var req drm.GemMmap
	req.SetHandle(handle)
	if err := ioctl(k.fd, drm.IoctlGemMmap, unsafe.Pointer(&req)); err != nil {
		return nil, err
	}
	return unix.Mmap(k.fd, int64(req.Offset()), int(size),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
}

func (k *kernelBackend) BufferUnmap(m []byte) error {
	return unix.Munmap(m)
}

func (k *kernelBackend) BufferFree(handle uint32) error {
	req := struct {
		handle uint32
		pad    uint32
	}{handle: handle}
	// GEM_CLOSE is a core drm ioctl, request 0x09.
	return ioctl(k.fd, iocGemClose, unsafe.Pointer(&req))
}

// DRM_IOCTL_GEM_CLOSE: _IOW('d', 0x09, struct drm_gem_close).
var iocGemClose = func() uintptr {
	type gemClose struct{ handle, pad uint32 }
	return 1<<30 | uintptr(unsafe.Sizeof(gemClose{}))<<16 | 'd'<<8 | 0x09
}()

func (k *kernelBackend) BufferWaitIdle(handle uint32, timeoutNs uint64) (bool, error) {
	req := drm.GemWaitIdle{Handle: handle, Timeout: timeoutNs}
	if err := ioctl(k.fd, drm.IoctlGemWaitIdle, unsafe.Pointer(&req)); err != nil {
		return false, err
	}
	// Nonzero status means the buffer is still busy.
	return req.Status() == 0, nil
}

func (k *kernelBackend) BoListCreate(entries []drm.BoListEntry) (uint32, error) {
	req := drm.BoList{
		Operation:  drm.BoListOpCreate,
		BoNumber:   uint32(len(entries)),
		BoInfoSize: uint32(unsafe.Sizeof(drm.BoListEntry{})),
	}
	if len(entries) > 0 {
		req.BoInfoPtr = uint64(uintptr(unsafe.Pointer(&entries[0])))
	}
	err := ioctl(k.fd, drm.IoctlBoList, unsafe.Pointer(&req))
	runtime.KeepAlive(entries)
	if err != nil {
		return 0, err
	}
	return req.CreatedHandle(), nil
}

func (k *kernelBackend) BoListDestroy(handle uint32) error {
	req := drm.BoList{
		Operation:  drm.BoListOpDestroy,
		ListHandle: handle,
	}
	return ioctl(k.fd, drm.IoctlBoList, unsafe.Pointer(&req))
}

func (k *kernelBackend) CtxAlloc() (uint32, error) {
	req := drm.Ctx{Op: drm.CtxOpAllocCtx}
	if err := ioctl(k.fd, drm.IoctlCtx, unsafe.Pointer(&req)); err != nil {
		return 0, err
	}
	return req.AllocatedID(), nil
}

func (k *kernelBackend) CtxFree(id uint32) error {
	req := drm.Ctx{Op: drm.CtxOpFreeCtx, CtxID: id}
	return ioctl(k.fd, drm.IoctlCtx, unsafe.Pointer(&req))
}

func (k *kernelBackend) Submit(a *submitArgs) (uint64, error) {
	// Each chunk is referenced through an array of pointers, per the
	// amdgpu CS uapi.
	var chunks []drm.CsChunk
	var keep []unsafe.Pointer

	ibs := a.ibs
	for i := range ibs {
		p := unsafe.Pointer(&ibs[i])
		keep = append(keep, p)
		chunks = append(chunks, drm.CsChunk{
			ChunkID:   drm.ChunkIDIB,
			LengthDW:  uint32(unsafe.Sizeof(ibs[i])) / 4,
			ChunkData: uint64(uintptr(p)),
		})
	}

	if a.fence != nil {
		p := unsafe.Pointer(a.fence)
		keep = append(keep, p)
		chunks = append(chunks, drm.CsChunk{
			ChunkID:   drm.ChunkIDFence,
			LengthDW:  uint32(unsafe.Sizeof(*a.fence)) / 4,
			ChunkData: uint64(uintptr(p)),
		})
	}

	if len(a.deps) > 0 {
		p := unsafe.Pointer(&a.deps[0])
		keep = append(keep, p)
		chunks = append(chunks, drm.CsChunk{
			ChunkID:   drm.ChunkIDDependencies,
			LengthDW:  uint32(unsafe.Sizeof(a.deps[0])) / 4 * uint32(len(a.deps)),
			ChunkData: uint64(uintptr(p)),
		})
	}

	waitSems := semChunk(a.waits)
	if len(waitSems) > 0 {
		p := unsafe.Pointer(&waitSems[0])
		keep = append(keep, p)
		chunks = append(chunks, drm.CsChunk{
			ChunkID:   drm.ChunkIDSyncobjIn,
			LengthDW:  uint32(len(waitSems)),
			ChunkData: uint64(uintptr(p)),
		})
	}

	signalSems := semChunk(a.signals)
	if len(signalSems) > 0 {
		p := unsafe.Pointer(&signalSems[0])
		keep = append(keep, p)
		chunks = append(chunks, drm.CsChunk{
			ChunkID:   drm.ChunkIDSyncobjOut,
			LengthDW:  uint32(len(signalSems)),
			ChunkData: uint64(uintptr(p)),
		})
	}

	ptrs := make([]uint64, len(chunks))
	for i := range chunks {
		ptrs[i] = uint64(uintptr(unsafe.Pointer(&chunks[i])))
	}

	req := drm.Cs{
		CtxID:        a.ctxID,
		BoListHandle: a.boList,
		NumChunks:    uint32(len(chunks)),
		Chunks:       uint64(uintptr(unsafe.Pointer(&ptrs[0]))),
	}

	err := ioctl(k.fd, drm.IoctlCs, unsafe.Pointer(&req))
	runtime.KeepAlive(chunks)
	runtime.KeepAlive(ptrs)
	runtime.KeepAlive(keep)
	if err != nil {
		return 0, err
	}
	return req.SeqNo(), nil
}

func semChunk(handles []uint32) []drm.CsChunkSem {
	if len(handles) == 0 {
		return nil
	}
	sems := make([]drm.CsChunkSem, len(handles))
	for i, h := range handles {
		sems[i].Handle = h
	}
	return sems
}

func (k *kernelBackend) WaitCs(f *drm.Fence, timeoutNs uint64, absolute bool) (bool, error) {
	// WAIT_CS takes an absolute deadline; a relative timeout is converted
	// by the caller before it lands here.
	req := drm.WaitCs{
		Handle:     f.SeqNo,
		Timeout:    timeoutNs,
		IPType:     f.IPType,
		IPInstance: f.IPInstance,
		Ring:       f.Ring,
		CtxID:      f.CtxID,
	}
	if err := ioctl(k.fd, drm.IoctlWaitCs, unsafe.Pointer(&req)); err != nil {
		return false, err
	}
	// Nonzero status means the wait timed out.
	return req.Status() == 0, nil
}

func (k *kernelBackend) WaitFences(fences []drm.Fence, waitAll bool, timeoutNs uint64) (bool, uint32, error) {
	req := drm.WaitFences{
		Fences:     uint64(uintptr(unsafe.Pointer(&fences[0]))),
		FenceCount: uint32(len(fences)),
		TimeoutNs:  timeoutNs,
	}
	if waitAll {
		req.WaitAll = 1
	}
	err := ioctl(k.fd, drm.IoctlWaitFences, unsafe.Pointer(&req))
	runtime.KeepAlive(fences)
	if err != nil {
		return false, 0, err
	}
	return req.Status() == 0, req.FirstSignaled(), nil
}

func (k *kernelBackend) SyncobjCreate(flags uint32) (uint32, error) {
	req := drm.SyncobjCreate{Flags: flags}
	if err := ioctl(k.fd, drm.IoctlSyncobjCreate, unsafe.Pointer(&req)); err != nil {
		return 0, err
	}
	return req.Handle, nil
}

func (k *kernelBackend) SyncobjDestroy(handle uint32) error {
	req := drm.SyncobjDestroy{Handle: handle}
	return ioctl(k.fd, drm.IoctlSyncobjDestroy, unsafe.Pointer(&req))
}

func (k *kernelBackend) syncobjArray(ioc uintptr, handles []uint32) error {
	if len(handles) == 0 {
		return nil
	}
	req := drm.SyncobjArray{
		Handles:      uint64(uintptr(unsafe.Pointer(&handles[0]))),
		CountHandles: uint32(len(handles)),
	}
	err := ioctl(k.fd, ioc, unsafe.Pointer(&req))
	runtime.KeepAlive(handles)
	return err
}

func (k *kernelBackend) SyncobjReset(handles []uint32) error {
	return k.syncobjArray(drm.IoctlSyncobjReset, handles)
}

func (k *kernelBackend) SyncobjSignal(handles []uint32) error {
	return k.syncobjArray(drm.IoctlSyncobjSignal, handles)
}

func (k *kernelBackend) SyncobjWait(handles []uint32, timeoutNs int64, flags uint32) (bool, uint32, error) {
	req := drm.SyncobjWait{
		Handles:      uint64(uintptr(unsafe.Pointer(&handles[0]))),
		TimeoutNsec:  timeoutNs,
		CountHandles: uint32(len(handles)),
		Flags:        flags,
	}
	err := ioctl(k.fd, drm.IoctlSyncobjWait, unsafe.Pointer(&req))
	runtime.KeepAlive(handles)
	if err == unix.ETIME {
		return false, 0, nil
	}
	if err != nil {
		return false, 0, err
	}
	return true, req.FirstSignaled, nil
}

func (k *kernelBackend) SyncobjExport(handle uint32, flags uint32) (int, error) {
	req := drm.SyncobjHandle{Handle: handle, Flags: flags, Fd: -1}
	if err := ioctl(k.fd, drm.IoctlSyncobjHandleToFd, unsafe.Pointer(&req)); err != nil {
		return -1, err
	}
	return int(req.Fd), nil
}

func (k *kernelBackend) SyncobjImport(fd int, flags uint32, handle uint32) (uint32, error) {
	req := drm.SyncobjHandle{Handle: handle, Flags: flags, Fd: int32(fd)}
	if err := ioctl(k.fd, drm.IoctlSyncobjFdToHandle, unsafe.Pointer(&req)); err != nil {
		return 0, err
	}
	return req.Handle, nil
}
