package radwin

import (
	"github.com/radgpu/radwin/drm"
)

// boListInput names everything that can contribute buffers to one
// kernel submission.
type boListInput struct {
	streams  []*Cs
	preamble *Cs
	// extra buffers are known unique by caller contract and seed the
	// list verbatim.
	extra []*Buffer
	// explicit is an externally supplied list, merged last with dedup.
	explicit []*Buffer
}

// buildBoList creates the kernel BO list for one submission. It returns
// handle 0 when nothing is referenced, which the CS ioctl accepts as an
// empty list. Dedup is linear-scan on purpose; per-submission buffer
// counts are small and the simplicity is worth more than the big-O.
func (d *Device) buildBoList(in *boListInput) (uint32, error) {
	if d.debugAllBuffers {
		return d.buildDebugBoList()
	}

	// One stream and nothing else: its own reference array is already
	// deduplicated, use it as is.
	if len(in.streams) == 1 && in.preamble == nil &&
		len(in.extra) == 0 && len(in.explicit) == 0 &&
		len(in.streams[0].VirtualBuffers()) == 0 {
		return d.createBoList(in.streams[0].Buffers())
	}

	worst := len(in.extra) + len(in.explicit)
	for _, cs := range in.streams {
		worst += refWorstCase(cs)
	}
	if in.preamble != nil {
		worst += refWorstCase(in.preamble)
	}
	if worst == 0 {
		return 0, nil
	}

	bos := make([]*Buffer, 0, worst)
	bos = append(bos, in.extra...)

	for _, cs := range in.streams {
		bos = mergeStream(bos, cs)
	}
	if in.preamble != nil {
		bos = mergeStream(bos, in.preamble)
	}
	for _, b := range in.explicit {
		bos = mergeOne(bos, b)
	}

	if len(bos) == 0 {
		return 0, nil
	}
	return d.createBoList(bos)
}

func refWorstCase(cs *Cs) int {
	n := len(cs.Buffers())
	for _, v := range cs.VirtualBuffers() {
		n += len(v.backing)
	}
	return n
}

func mergeStream(bos []*Buffer, cs *Cs) []*Buffer {
	direct := cs.Buffers()
	if len(bos) == 0 {
		// First contributor to an empty list needs no dedup pass; its
		// own table already guarantees uniqueness.
		bos = append(bos, direct...)
	} else {
		for _, b := range direct {
			bos = mergeOne(bos, b)
		}
	}
	for _, v := range cs.VirtualBuffers() {
		for _, b := range v.backing {
			bos = mergeOne(bos, b)
		}
	}
	return bos
}

func mergeOne(bos []*Buffer, b *Buffer) []*Buffer {
	for _, e := range bos {
		if e == b {
			return bos
		}
	}
	return append(bos, b)
}

// buildDebugBoList references every buffer the device has ever created,
// a diagnostic safety net for missed AddBuffer calls.
func (d *Device) buildDebugBoList() (uint32, error) {
	d.allBuffersMu.Lock()
	bos := make([]*Buffer, 0, len(d.allBuffers))
	for _, b := range d.allBuffers {
		if !b.virtual {
			bos = append(bos, b)
		}
	}
	d.allBuffersMu.Unlock()
	return d.createBoList(bos)
}

func (d *Device) createBoList(bos []*Buffer) (uint32, error) {
	if len(bos) == 0 {
		return 0, nil
	}
	entries := make([]drm.BoListEntry, len(bos))
	for i, b := range bos {
		entries[i].BoHandle = b.handle
	}
	d.metrics.boListSize.Update(int64(len(entries)))
	return d.ops.BoListCreate(entries)
}
