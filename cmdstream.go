package radwin

import (
	"fmt"
	"strings"
	"unsafe"

	"github.com/radgpu/radwin/drm"
	"github.com/sirupsen/logrus"
)

const (
	// Initial backing allocation for a fresh stream, in bytes.
	initialIBBytes = 16 * 1024

	// Dwords held back from the recording capacity of an IB-backed
	// buffer: room for the 4-dword chain slot plus worst-case padding to
	// an 8-dword boundary.
	chainReserveDW = 12
)

var errStreamFailed = fmt.Errorf("command stream is in a failed state")

func unsafeWords(m []byte) []uint32 {
	return unsafe.Slice((*uint32)(unsafe.Pointer(&m[0])), len(m)/4)
}

// Cs records command words for one queue and tracks every buffer the
// recorded work references. It is single-writer until handed to Submit.
type Cs struct {
	dev        *Device
	ipType     uint32
	ipInstance uint32
	ring       uint32

	// words holds the recorded dwords. Under the IB policy it aliases
	// the mapped backing buffer; otherwise it is a plain heap slice.
	words  []uint32
	failed bool

	// isChained marks a trailing cross-stream chain packet written by
	// the chained submission strategy into the reserved slot.
	isChained bool
	chainSlot int

	useIB   bool
	ib      *Buffer  // current backing buffer
	mapped  []uint32 // full mapped extent of ib, including the reserve
	firstIB *Buffer  // buffer the kernel IB descriptor points at
	oldIBs  []*Buffer
	// ibSize receives the first buffer's final dword count; after a grow
	// the size of each subsequent buffer lands in the previous buffer's
	// chain packet control word instead.
	ibSize  uint32
	sizeRef *uint32

	// Non-IB growth overflows into snapshots once the dword ceiling is
	// reached; each snapshot becomes its own IB descriptor at submit.
	oldWords [][]uint32

	refs        *refTable
	virtualRefs *refTable
}

// NewCs creates a command stream for the given engine and ring. The
// growth policy is fixed here from the device capability and never
// changes for the life of the stream.
func (d *Device) NewCs(ipType, ipInstance, ring uint32) (*Cs, error) {
	if ipType >= drm.HwIPNum || ring >= maxRingsPerIP {
		return nil, fmt.Errorf("no such queue: ip %d ring %d", ipType, ring)
	}
	cs := &Cs{
		dev:        d,
		ipType:     ipType,
		ipInstance: ipInstance,
		ring:       ring,
		useIB:      d.useIBs,
		chainSlot:  -1,
		refs:       newRefTable(refHashSize),
	}
	cs.sizeRef = &cs.ibSize

	if !cs.useIB {
		cs.words = make([]uint32, 0, initialIBBytes/4)
		return cs, nil
	}

	if err := cs.allocIB(initialIBBytes); err != nil {
		return nil, err
	}
	cs.firstIB = cs.ib
	return cs, nil
}

// allocIB replaces the current backing buffer with a fresh mapped one of
// the given byte size and points words at it.
func (cs *Cs) allocIB(size uint64) error {
	b, err := cs.dev.AllocBuffer(size, 4096,
		drm.DomainGTT, drm.CreateCPUAccessRequired|drm.CreateCPUGTTUSWC)
	if err != nil {
		return err
	}
	m, err := b.Map()
	if err != nil {
		b.Free()
		return err
	}

	cs.ib = b
	cs.mapped = unsafeWords(m)
	cs.words = cs.mapped[0:0 : len(cs.mapped)-chainReserveDW]
	cs.AddBuffer(b)
	return nil
}

// Failed reports whether the stream has been poisoned. A failed stream
// ignores appends and must not be submitted.
func (cs *Cs) Failed() bool { return cs.failed }

// Len returns the recorded dword count.
func (cs *Cs) Len() int { return len(cs.words) }

// Cap returns the current recording capacity in dwords.
func (cs *Cs) Cap() int { return cap(cs.words) }

// Words exposes the recorded dwords for inspection. The slice aliases
// stream-owned storage.
func (cs *Cs) Words() []uint32 { return cs.words }

// Emit appends one dword, growing first if needed. Appends to a failed
// stream are dropped.
func (cs *Cs) Emit(w uint32) {
	if cs.failed {
		return
	}
	if len(cs.words) == cap(cs.words) {
		cs.Grow(1)
		if cs.failed {
			return
		}
	}
	cs.words = append(cs.words, w)
}

// EmitSlice appends a run of dwords.
func (cs *Cs) EmitSlice(ws []uint32) {
	if cs.failed {
		return
	}
	if len(cs.words)+len(ws) > cap(cs.words) {
		cs.Grow(len(ws))
		if cs.failed {
			return
		}
	}
	cs.words = append(cs.words, ws...)
}

// Grow guarantees room for at least extra more dwords, or marks the
// stream failed. It never shrinks capacity.
func (cs *Cs) Grow(extra int) {
	if cs.failed || len(cs.words)+extra <= cap(cs.words) {
		return
	}
	cs.dev.metrics.grows.Inc(1)
	if cs.useIB {
		cs.growIB(extra)
	} else {
		cs.growSysmem(extra)
	}
	if cs.failed {
		cs.dev.metrics.growFailures.Inc(1)
	}
}

// growIB closes out the current buffer with a chain packet to a freshly
// allocated one and continues recording there.
func (cs *Cs) growIB(extra int) {
	if extra+chainReserveDW > int(cs.dev.maxDwords) {
		cs.fail("reserving stream space", fmt.Errorf("%d dwords exceeds the IB size limit", extra))
		return
	}
	size := uint64(extra+chainReserveDW)*4 + 16
	if s := uint64(cap(cs.words)) * 4 * 2; s > size {
		size = s
	}
	if limit := uint64(cs.dev.maxDwords) * 4; size > limit {
		size = limit
	}

	next, err := cs.dev.AllocBuffer(size, 4096,
		drm.DomainGTT, drm.CreateCPUAccessRequired|drm.CreateCPUGTTUSWC)
	if err != nil {
		cs.fail("growing stream backing buffer", err)
		return
	}
	m, err := next.Map()
	if err != nil {
		next.Free()
		cs.fail("mapping stream backing buffer", err)
		return
	}

	// Pad into the reserve so the chain packet lands the buffer on an
	// 8-dword boundary.
	n := len(cs.words)
	for n%8 != 4 {
		cs.mapped[n] = drm.PadNop
		n++
	}
	drm.EncodeChain(cs.mapped[n:n+drm.ChainPacketLen], next.VA(), 0, true)
	n += drm.ChainPacketLen
	*cs.sizeRef |= uint32(n)
	cs.sizeRef = &cs.mapped[n-1]

	cs.oldIBs = append(cs.oldIBs, cs.ib)

	cs.ib = next
	cs.mapped = unsafeWords(m)
	cs.words = cs.mapped[0:0 : len(cs.mapped)-chainReserveDW]
	cs.AddBuffer(next)
}

// growSysmem doubles the heap buffer up to the IB dword ceiling; past
// the ceiling the current contents are snapshotted into oldWords and
// recording restarts in a fresh buffer.
func (cs *Cs) growSysmem(extra int) {
	need := len(cs.words) + extra
	newCap := cap(cs.words) * 2
	if newCap == 0 {
		newCap = 1
	}
	for newCap < need {
		newCap *= 2
	}

	if newCap <= int(cs.dev.maxDwords) {
		grown := make([]uint32, len(cs.words), newCap)
		copy(grown, cs.words)
		cs.words = grown
		return
	}

	if len(cs.oldWords) >= cs.dev.maxSubmitIBs-1 {
		cs.failed = true
		cs.words = cs.words[:0]
		cs.dev.l.WithField("ipType", cs.ipType).WithField("ring", cs.ring).
			Error("Command stream exceeded the per submission buffer limit")
		return
	}

	snapCap := initialIBBytes / 4
	for snapCap < extra {
		snapCap *= 2
	}
	if snapCap > int(cs.dev.maxDwords) {
		cs.failed = true
		cs.words = cs.words[:0]
		cs.dev.l.WithField("dwords", extra).Error("Command stream reservation exceeds the IB size limit")
		return
	}

	cs.oldWords = append(cs.oldWords, cs.words)
	cs.words = make([]uint32, 0, snapCap)
}

func (cs *Cs) fail(what string, err error) {
	cs.failed = true
	cs.dev.l.WithError(err).WithField("ipType", cs.ipType).WithField("ring", cs.ring).
		Errorf("Command stream failed while %s", what)
}

// Finalize closes the recording for submission. Under the IB policy the
// stream is padded to an 8-dword multiple, ending in a nop-filled slot a
// later chain patch may overwrite, and the final size is written into
// the slot reserved for it at creation or at the last grow.
func (cs *Cs) Finalize() error {
	if cs.failed {
		return errStreamFailed
	}
	if !cs.useIB {
		cs.isChained = false
		return nil
	}

	n := len(cs.words)
	for n%8 != 4 {
		cs.mapped[n] = drm.PadNop
		n++
	}
	for i := 0; i < drm.ChainPacketLen; i++ {
		cs.mapped[n] = drm.PadNop
		n++
	}
	cs.words = cs.mapped[:n]
	cs.chainSlot = n - drm.ChainPacketLen
	*cs.sizeRef |= uint32(n)
	cs.isChained = false
	return nil
}

// chainTo patches the reserved trailing slot to jump to next's first
// backing buffer. Only valid after Finalize.
func (cs *Cs) chainTo(next *Cs) {
	drm.EncodeChain(cs.words[cs.chainSlot:cs.chainSlot+drm.ChainPacketLen],
		next.firstIB.VA(), next.ibSize, true)
	cs.isChained = true
}

// unchain restores the trailing slot to nops. Safe to call on a stream
// that was never chained.
func (cs *Cs) unchain() {
	if !cs.isChained {
		return
	}
	for i := 0; i < drm.ChainPacketLen; i++ {
		cs.words[cs.chainSlot+i] = drm.PadNop
	}
	cs.isChained = false
}

// ExecuteSecondary records a call to child from cs and propagates the
// child's buffer references to cs so liveness follows the indirect call.
func (cs *Cs) ExecuteSecondary(child *Cs) error {
	if cs.failed {
		return errStreamFailed
	}
	if child.failed {
		return fmt.Errorf("secondary stream is in a failed state")
	}

	cs.refs.merge(child.refs)
	if child.virtualRefs != nil {
		if cs.virtualRefs == nil {
			cs.virtualRefs = newRefTable(virtualHashSize)
		}
		cs.virtualRefs.merge(child.virtualRefs)
	}

	if cs.useIB {
		cs.Grow(drm.ChainPacketLen)
		if cs.failed {
			return errStreamFailed
		}
		var pkt [drm.ChainPacketLen]uint32
		drm.EncodeChain(pkt[:], child.firstIB.VA(), child.ibSize, false)
		cs.words = append(cs.words, pkt[:]...)
		return nil
	}

	for _, old := range child.oldWords {
		cs.EmitSlice(old)
	}
	cs.EmitSlice(child.words)
	if cs.failed {
		return errStreamFailed
	}
	return nil
}

// Reset clears the stream for reuse, keeping the current backing
// capacity. Old buffers and snapshots are released, the failure flag is
// cleared, and both reference tables are emptied.
func (cs *Cs) Reset() {
	cs.refs.reset()
	cs.virtualRefs = nil
	cs.failed = false
	cs.isChained = false
	cs.chainSlot = -1
	cs.ibSize = 0
	cs.sizeRef = &cs.ibSize

	if !cs.useIB {
		cs.words = cs.words[:0]
		cs.oldWords = nil
		return
	}

	for _, b := range cs.oldIBs {
		b.Free()
	}
	cs.oldIBs = nil
	cs.firstIB = cs.ib
	cs.words = cs.mapped[0:0 : len(cs.mapped)-chainReserveDW]
	cs.AddBuffer(cs.ib)
}

// Destroy releases every backing buffer. The stream must not be used
// afterwards.
func (cs *Cs) Destroy() {
	for _, b := range cs.oldIBs {
		b.Free()
	}
	cs.oldIBs = nil
	if cs.ib != nil {
		cs.ib.Free()
		cs.ib = nil
		cs.firstIB = nil
	}
	cs.words = nil
	cs.mapped = nil
	cs.oldWords = nil
}

// Dump logs the recorded words at debug level, eight dwords per line.
func (cs *Cs) Dump() {
	if !cs.dev.l.IsLevelEnabled(logrus.DebugLevel) {
		return
	}
	dump := func(name string, ws []uint32) {
		for i := 0; i < len(ws); i += 8 {
			end := i + 8
			if end > len(ws) {
				end = len(ws)
			}
			var sb strings.Builder
			for _, w := range ws[i:end] {
				fmt.Fprintf(&sb, "%08x ", w)
			}
			cs.dev.l.WithField("buffer", name).Debugf("%06x: %s", i, sb.String())
		}
	}
	for i, old := range cs.oldWords {
		dump(fmt.Sprintf("old[%d]", i), old)
	}
	dump("current", cs.words)
}
