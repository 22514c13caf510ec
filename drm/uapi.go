//go:build linux

// Package drm holds the AMDGPU/DRM kernel uapi: ioctl request numbers,
// submission chunk layouts, and PM4 packet encodings. Struct layouts must
// match include/uapi/drm/{drm,amdgpu_drm}.h bit for bit; this package is
// the one place where wire compatibility is load bearing.
package drm

import (
	"unsafe"
)

// _IOC encoding, as the kernel builds ioctl request numbers.
const (
	iocNrBits   = 8
	iocTypeBits = 8
	iocSizeBits = 14

	iocNrShift   = 0
	iocTypeShift = iocNrShift + iocNrBits
	iocSizeShift = iocTypeShift + iocTypeBits
	iocDirShift  = iocSizeShift + iocSizeBits

	iocWrite = 1
	iocRead  = 2

	// All DRM ioctls use the 'd' type.
	drmIocType = 'd'
)

func ioc(dir, nr, size uintptr) uintptr {
	return dir<<iocDirShift | drmIocType<<iocTypeShift | nr<<iocNrShift | size<<iocSizeShift
}

func iow(nr, size uintptr) uintptr  { return ioc(iocWrite, nr, size) }
func iowr(nr, size uintptr) uintptr { return ioc(iocRead|iocWrite, nr, size) }

// Driver-private ioctls start here.
const commandBase = 0x40

// AMDGPU driver command numbers, offset from commandBase.
const (
	cmdGemCreate   = 0x00
	cmdGemMmap     = 0x01
	cmdCtx         = 0x02
	cmdBoList      = 0x03
	cmdCs          = 0x04
	cmdInfo        = 0x05
	cmdGemWaitIdle = 0x07
	cmdGemVA       = 0x08
	cmdWaitCs      = 0x09
	cmdWaitFences  = 0x12
)

// Ioctl request numbers. Computed, not hardcoded, so a size mismatch in a
// struct below shows up as a kernel EINVAL instead of silent corruption.
var (
	IoctlGemCreate   = iowr(commandBase+cmdGemCreate, unsafe.Sizeof(GemCreate{}))
	IoctlGemMmap     = iowr(commandBase+cmdGemMmap, unsafe.Sizeof(GemMmap{}))
	IoctlCtx         = iowr(commandBase+cmdCtx, unsafe.Sizeof(Ctx{}))
	IoctlBoList      = iowr(commandBase+cmdBoList, unsafe.Sizeof(BoList{}))
	IoctlCs          = iowr(commandBase+cmdCs, unsafe.Sizeof(Cs{}))
	IoctlInfo        = iow(commandBase+cmdInfo, unsafe.Sizeof(Info{}))
	IoctlGemWaitIdle = iowr(commandBase+cmdGemWaitIdle, unsafe.Sizeof(GemWaitIdle{}))
	IoctlGemVA       = iow(commandBase+cmdGemVA, unsafe.Sizeof(GemVA{}))
	IoctlWaitCs      = iowr(commandBase+cmdWaitCs, unsafe.Sizeof(WaitCs{}))
	IoctlWaitFences  = iowr(commandBase+cmdWaitFences, unsafe.Sizeof(WaitFences{}))

	IoctlSyncobjCreate     = iowr(0xBF, unsafe.Sizeof(SyncobjCreate{}))
	IoctlSyncobjDestroy    = iowr(0xC0, unsafe.Sizeof(SyncobjDestroy{}))
	IoctlSyncobjHandleToFd = iowr(0xC1, unsafe.Sizeof(SyncobjHandle{}))
	IoctlSyncobjFdToHandle = iowr(0xC2, unsafe.Sizeof(SyncobjHandle{}))
	IoctlSyncobjWait       = iowr(0xC3, unsafe.Sizeof(SyncobjWait{}))
	IoctlSyncobjReset      = iowr(0xC4, unsafe.Sizeof(SyncobjArray{}))
	IoctlSyncobjSignal     = iowr(0xC5, unsafe.Sizeof(SyncobjArray{}))
)

// GEM memory domains and creation flags.
const (
	DomainCPU  = 0x1
	DomainGTT  = 0x2
	DomainVRAM = 0x4

	CreateCPUAccessRequired = 0x1
	CreateNoCPUAccess       = 0x2
	CreateCPUGTTUSWC        = 0x4
)

// GemCreate is union drm_amdgpu_gem_create. On return the kernel writes
// the BO handle over the first dword of the in-union.
type GemCreate struct {
	BoSize      uint64
	Alignment   uint64
	Domains     uint64
	DomainFlags uint64
}

// Handle reads the out-union after a successful ioctl. Valid on
// little-endian hosts only, which is every platform this driver serves.
func (g *GemCreate) Handle() uint32 {
	return uint32(g.BoSize)
}

// GemMmap is union drm_amdgpu_gem_mmap: in is {handle, _pad}, out is the
// 64-bit fake offset to pass to mmap on the device fd.
type GemMmap struct {
	Data uint64
}

func (g *GemMmap) SetHandle(h uint32) { g.Data = uint64(h) }
func (g *GemMmap) Offset() uint64     { return g.Data }

// GEM VA operations.
const (
	VAOpMap   = 1
	VAOpUnmap = 2

	VAFlagDelayUpdate = 0x1
	VAFlagReadable    = 0x2
	VAFlagWriteable   = 0x4
	VAFlagExecutable  = 0x8
)

// GemVA is struct drm_amdgpu_gem_va.
type GemVA struct {
	Handle     uint32
	_          uint32
	Operation  uint32
	Flags      uint32
	VAAddress  uint64
	OffsetInBo uint64
	MapSize    uint64
}

// GemWaitIdle is union drm_amdgpu_gem_wait_idle.
type GemWaitIdle struct {
	Handle  uint32
	Flags   uint32
	Timeout uint64
}

func (g *GemWaitIdle) Status() uint32 { return g.Handle }

// Context operations.
const (
	CtxOpAllocCtx = 1
	CtxOpFreeCtx  = 2
	CtxOpQuery    = 3
)

// Ctx is union drm_amdgpu_ctx. For ALLOC the kernel writes the new
// context id over Op.
type Ctx struct {
	Op       uint32
	Flags    uint32
	CtxID    uint32
	Priority int32
}

func (c *Ctx) AllocatedID() uint32 { return c.Op }

// BO list operations.
const (
	BoListOpCreate  = 0
	BoListOpDestroy = 1
	BoListOpUpdate  = 2
)

// BoList is union drm_amdgpu_bo_list. For CREATE the kernel writes the
// list handle over Operation.
type BoList struct {
	Operation  uint32
	ListHandle uint32
	BoNumber   uint32
	BoInfoSize uint32
	BoInfoPtr  uint64
}

func (b *BoList) CreatedHandle() uint32 { return b.Operation }

// BoListEntry is struct drm_amdgpu_bo_list_entry.
type BoListEntry struct {
	BoHandle   uint32
	BoPriority uint32
}

// Submission chunk ids.
const (
	ChunkIDIB           = 0x01
	ChunkIDFence        = 0x02
	ChunkIDDependencies = 0x03
	ChunkIDSyncobjIn    = 0x04
	ChunkIDSyncobjOut   = 0x05
	ChunkIDBoHandles    = 0x06
)

// IB chunk flags.
const (
	IBFlagCE       = 0x1
	IBFlagPreamble = 0x2
	IBFlagPreempt  = 0x4
)

// Hardware IP (engine) types.
const (
	HwIPGfx     = 0
	HwIPCompute = 1
	HwIPDMA     = 2
	HwIPUVD     = 3
	HwIPVCE     = 4
	HwIPNum     = 5
)

// CsChunk is struct drm_amdgpu_cs_chunk. ChunkData points at one of the
// CsChunk* payload structs below; LengthDW is that payload's size in
// dwords.
type CsChunk struct {
	ChunkID   uint32
	LengthDW  uint32
	ChunkData uint64
}

// CsChunkIB is struct drm_amdgpu_cs_chunk_ib: one indirect buffer
// descriptor within a submission.
type CsChunkIB struct {
	_          uint32
	Flags      uint32
	VAStart    uint64
	IBBytes    uint32
	IPType     uint32
	IPInstance uint32
	Ring       uint32
}

// CsChunkFence is struct drm_amdgpu_cs_chunk_fence: asks the kernel to
// write the completed sequence number at Offset bytes into the BO.
type CsChunkFence struct {
	Handle uint32
	Offset uint32
}

// CsChunkDep is struct drm_amdgpu_cs_chunk_dep: one fence this
// submission must wait for.
type CsChunkDep struct {
	IPType     uint32
	IPInstance uint32
	Ring       uint32
	CtxID      uint32
	Handle     uint64
}

// CsChunkSem is struct drm_amdgpu_cs_chunk_sem: one syncobj handle in a
// wait or signal list.
type CsChunkSem struct {
	Handle uint32
}

// Cs is union drm_amdgpu_cs. Chunks points at an array of uint64s, each
// of which is itself a pointer to a CsChunk. On return the kernel writes
// the submission sequence number over the first two dwords.
type Cs struct {
	CtxID        uint32
	BoListHandle uint32
	NumChunks    uint32
	Flags        uint32
	Chunks       uint64
}

func (c *Cs) SeqNo() uint64 {
	return uint64(c.CtxID) | uint64(c.BoListHandle)<<32
}

// WaitCs is union drm_amdgpu_wait_cs.
type WaitCs struct {
	Handle     uint64
	Timeout    uint64
	IPType     uint32
	IPInstance uint32
	Ring       uint32
	CtxID      uint32
}

func (w *WaitCs) Status() uint64 { return w.Handle }

// TimeoutInfinite disables the kernel-side deadline for WAIT_CS,
// WAIT_FENCES and GEM_WAIT_IDLE.
const TimeoutInfinite = ^uint64(0)

// Fence is struct drm_amdgpu_fence, the per-fence element of a
// WAIT_FENCES call.
type Fence struct {
	CtxID      uint32
	IPType     uint32
	IPInstance uint32
	Ring       uint32
	SeqNo      uint64
}

// WaitFences is union drm_amdgpu_wait_fences. On return the kernel
// writes {status, first_signaled} over Fences.
type WaitFences struct {
	Fences     uint64
	FenceCount uint32
	WaitAll    uint32
	TimeoutNs  uint64
}

func (w *WaitFences) Status() uint32        { return uint32(w.Fences) }
func (w *WaitFences) FirstSignaled() uint32 { return uint32(w.Fences >> 32) }

// Info queries used by this module.
const (
	InfoQueryDevInfo = 0x16
)

// Info is struct drm_amdgpu_info with the query-parameter union left as
// raw dwords; none of our queries use it.
type Info struct {
	ReturnPointer uint64
	ReturnSize    uint32
	Query         uint32
	_             [4]uint32
}

// InfoDevice is the head of struct drm_amdgpu_info_device, through the
// fields this module reports. Passing its size as ReturnSize makes the
// kernel truncate the copy, so trailing uapi growth is harmless.
type InfoDevice struct {
	DeviceID                 uint32
	ChipRev                  uint32
	ExternalRev              uint32
	PciRev                   uint32
	Family                   uint32
	NumShaderEngines         uint32
	NumShaderArraysPerEngine uint32
	GpuCounterFreq           uint32
	MaxEngineClock           uint64
	MaxMemoryClock           uint64
	CuActiveNumber           uint32
	CuAoMask                 uint32
	CuBitmap                 [4][4]uint32
	IDsFlags                 uint64
	VirtualAddressOffset     uint64
	VirtualAddressMax        uint64
	VirtualAddressAlignment  uint32
	PteFragmentSize          uint32
	GartPageSize             uint32
	_                        uint32
}

// AMDGPU family ids, as reported in InfoDevice.Family.
const (
	FamilySI = 110
	FamilyCI = 120
	FamilyKV = 125
	FamilyVI = 130
	FamilyCZ = 135
	FamilyAI = 141
	FamilyRV = 142
	FamilyNV = 143
)

// FamilyName converts a family id into a human string.
func FamilyName(f uint32) string {
	switch f {
	case FamilySI:
		return "SI"
	case FamilyCI:
		return "CI"
	case FamilyKV:
		return "KV"
	case FamilyVI:
		return "VI"
	case FamilyCZ:
		return "CZ"
	case FamilyAI:
		return "AI"
	case FamilyRV:
		return "RV"
	case FamilyNV:
		return "NV"
	}
	return "unknown"
}

// Syncobj structs, from the device-independent drm uapi.

const SyncobjCreateSignaled = 0x1

type SyncobjCreate struct {
	Handle uint32
	Flags  uint32
}

type SyncobjDestroy struct {
	Handle uint32
	_      uint32
}

const (
	SyncobjHandleToFdFlagsExportSyncFile = 0x1
	SyncobjFdToHandleFlagsImportSyncFile = 0x1
)

type SyncobjHandle struct {
	Handle uint32
	Flags  uint32
	Fd     int32
	_      uint32
}

const (
	SyncobjWaitFlagsWaitAll       = 0x1
	SyncobjWaitFlagsWaitForSubmit = 0x2
)

type SyncobjWait struct {
	Handles       uint64
	TimeoutNsec   int64
	CountHandles  uint32
	Flags         uint32
	FirstSignaled uint32
	_             uint32
}

type SyncobjArray struct {
	Handles      uint64
	CountHandles uint32
	_            uint32
}
