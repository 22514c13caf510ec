package radwin

import (
	"errors"
	"fmt"

	"github.com/radgpu/radwin/drm"
	"golang.org/x/sys/unix"
)

// SubmitRequest describes one logical submission: the streams to run in
// order, optional preamble and extra buffers, synchronization edges, and
// an optional fence to fill with the resulting sequence number.
type SubmitRequest struct {
	Streams  []*Cs
	Preamble *Cs

	// ExtraBuffers are referenced by the submission without appearing in
	// any stream's tables; the caller guarantees they are unique.
	ExtraBuffers []*Buffer
	// ExplicitBos is an externally built buffer list merged in last.
	ExplicitBos []*Buffer

	// Deps are fences this submission waits for before executing.
	Deps []*Fence
	// WaitSyncobjs gate the first kernel request; SignalSyncobjs fire
	// after the last one.
	WaitSyncobjs   []*Syncobj
	SignalSyncobjs []*Syncobj

	// AllowChain permits patching chain packets into the streams when
	// the batch exceeds the per-submit IB limit.
	AllowChain bool

	// Fence, if non-nil, receives the fence of the last kernel request.
	Fence *Fence
}

// submitStrategy turns a request into one or more kernel CS ioctls.
// Which one runs is a property of the hardware and the batch shape, not
// of individual packets, so the dispatch is a single interface call.
type submitStrategy interface {
	submit(c *Context, req *SubmitRequest) error
}

// Submit runs the request on this context. Streams must all target the
// queue of the first stream; the kernel sequence number of the last
// request is recorded as the queue's last submission.
func (c *Context) Submit(req *SubmitRequest) error {
	if len(req.Streams) == 0 {
		return fmt.Errorf("submission carries no streams")
	}

	first := req.Streams[0]
	for _, cs := range req.Streams {
		if cs.failed {
			return errStreamFailed
		}
		// Mixed-engine batches would execute on the wrong queue; reject
		// instead of trusting caller discipline.
		if cs.ipType != first.ipType || cs.ipInstance != first.ipInstance || cs.ring != first.ring {
			return fmt.Errorf("stream targets ip %d ring %d, submission runs on ip %d ring %d",
				cs.ipType, cs.ring, first.ipType, first.ring)
		}
	}
	if req.Preamble != nil && req.Preamble.failed {
		return errStreamFailed
	}

	return c.strategyFor(req).submit(c, req)
}

func (c *Context) strategyFor(req *SubmitRequest) submitStrategy {
	d := c.dev
	if !d.useIBs {
		return d.sysmem
	}
	if req.AllowChain && len(req.Streams) > d.maxSubmitIBs {
		return d.chained
	}
	return d.fallback
}

// submitOne builds the BO list and chunk payload for one kernel request
// and issues it. Wait syncobjs ride only the first request of a
// multi-request submission, signal syncobjs only the last.
func (c *Context) submitOne(bin *boListInput, ibs []drm.CsChunkIB, req *SubmitRequest, first, last bool) (uint64, error) {
	d := c.dev

	boList, err := d.buildBoList(bin)
	if err != nil {
		return 0, fmt.Errorf("buffer list creation failed: %w", err)
	}
	if boList != 0 {
		defer func() {
			if derr := d.ops.BoListDestroy(boList); derr != nil {
				d.l.WithError(derr).Error("Failed to destroy buffer list")
			}
		}()
	}

	ip := ibs[len(ibs)-1]
	args := &submitArgs{
		ctxID:  c.id,
		boList: boList,
		ibs:    ibs,
		fence: &drm.CsChunkFence{
			Handle: c.fenceBO.handle,
			Offset: c.userFenceOffset(ip.IPType, ip.Ring),
		},
	}
	for _, f := range req.Deps {
		args.deps = append(args.deps, drm.CsChunkDep{
			IPType:     f.IPType,
			IPInstance: f.IPInstance,
			Ring:       f.Ring,
			CtxID:      f.CtxID,
			Handle:     f.SeqNo,
		})
	}
	if first {
		for _, s := range req.WaitSyncobjs {
			args.waits = append(args.waits, s.Handle)
		}
	}
	if last {
		for _, s := range req.SignalSyncobjs {
			args.signals = append(args.signals, s.Handle)
		}
	}

	seq, err := d.ops.Submit(args)
	if err != nil {
		if errors.Is(err, unix.ENOMEM) {
			d.l.WithError(err).Error("Not enough memory for command submission")
		} else {
			d.l.WithError(err).WithField("ipType", ip.IPType).WithField("ring", ip.Ring).
				Error("The kernel rejected the command submission")
		}
		return 0, err
	}

	d.metrics.Submitted(ip.IPType, len(ibs), len(bin.streams))
	return seq, nil
}

func ibDesc(cs *Cs, flags uint32) drm.CsChunkIB {
	return drm.CsChunkIB{
		Flags:      flags,
		VAStart:    cs.firstIB.va,
		IBBytes:    cs.ibSize * 4,
		IPType:     cs.ipType,
		IPInstance: cs.ipInstance,
		Ring:       cs.ring,
	}
}

// chainedStrategy links the streams into one hardware chain and submits
// only the first IB; the GPU follows the chain packets through the rest.
type chainedStrategy struct{}

func (chainedStrategy) submit(c *Context, req *SubmitRequest) error {
	streams := req.Streams

	// Patch in reverse so every chain packet points at a stream whose own
	// trailing slot is already settled. The set of streams can differ
	// between submits, so the last stream's stale packet is undone first.
	streams[len(streams)-1].unchain()
	for i := len(streams) - 2; i >= 0; i-- {
		streams[i].chainTo(streams[i+1])
	}

	bin := &boListInput{
		streams:  streams,
		preamble: req.Preamble,
		extra:    req.ExtraBuffers,
		explicit: req.ExplicitBos,
	}

	var ibs []drm.CsChunkIB
	if req.Preamble != nil {
		ibs = append(ibs, ibDesc(req.Preamble, drm.IBFlagPreamble))
	}
	ibs = append(ibs, ibDesc(streams[0], 0))

	seq, err := c.submitOne(bin, ibs, req, true, true)
	if err != nil {
		return err
	}

	first := streams[0]
	c.recordFence(first.ipType, first.ipInstance, first.ring, seq, req.Fence)
	return nil
}

// fallbackStrategy submits the streams as independent IB descriptors,
// at most the kernel limit per request, without touching their contents.
type fallbackStrategy struct{}

func (fallbackStrategy) submit(c *Context, req *SubmitRequest) error {
	d := c.dev
	streams := req.Streams

	per := d.maxSubmitIBs
	if req.Preamble != nil {
		per--
	}
	if per < 1 {
		return fmt.Errorf("preamble leaves no stream descriptors, submission limit is %d", d.maxSubmitIBs)
	}

	for start := 0; start < len(streams); start += per {
		end := start + per
		if end > len(streams) {
			end = len(streams)
		}
		group := streams[start:end]

		// A stream chained on a previous submit must run standalone here.
		for _, cs := range group {
			cs.unchain()
		}

		bin := &boListInput{
			streams:  group,
			preamble: req.Preamble,
			extra:    req.ExtraBuffers,
			explicit: req.ExplicitBos,
		}
		var ibs []drm.CsChunkIB
		if req.Preamble != nil {
			ibs = append(ibs, ibDesc(req.Preamble, drm.IBFlagPreamble))
		}
		for _, cs := range group {
			ibs = append(ibs, ibDesc(cs, 0))
		}

		seq, err := c.submitOne(bin, ibs, req, start == 0, end == len(streams))
		if err != nil {
			return err
		}
		cs := group[0]
		c.recordFence(cs.ipType, cs.ipInstance, cs.ring, seq, req.Fence)
	}
	return nil
}

// sysmemStrategy serves hardware that cannot execute IBs from stream
// memory: command words are copied into freshly allocated buffers for
// each submission and the copies destroyed right after the ioctl.
type sysmemStrategy struct{}

func (s sysmemStrategy) submit(c *Context, req *SubmitRequest) error {
	d := c.dev
	pad := uint32(drm.PadNop)
	if d.padWithType2 {
		pad = drm.PadNopType2
	}

	streams := req.Streams
	i := 0
	firstReq := true
	for i < len(streams) {
		if len(streams[i].oldWords) > 0 {
			if err := s.submitOverflowed(c, req, streams[i], firstReq, i+1 == len(streams)); err != nil {
				return err
			}
			i++
		} else {
			n, err := s.submitConcat(c, req, streams, i, pad, firstReq)
			if err != nil {
				return err
			}
			i += n
		}
		firstReq = false
	}
	return nil
}

// submitConcat packs as many streams as fit under the IB dword limit
// into one temporary buffer, preamble words first, each stream aligned
// to an 8-dword boundary with pad words.
func (s sysmemStrategy) submitConcat(c *Context, req *SubmitRequest, streams []*Cs, start int, pad uint32, firstReq bool) (int, error) {
	d := c.dev
	avail := streams[start:]

	total := 0
	if req.Preamble != nil {
		total = align8(len(req.Preamble.words))
	}
	n := 0
	for n < len(avail) && len(avail[n].oldWords) == 0 {
		need := align8(total) + len(avail[n].words)
		if n > 0 && need > int(d.maxDwords) {
			break
		}
		total = need
		n++
	}

	// The first stream is always taken, so preamble plus one oversized
	// stream can still bust the ceiling.
	if align8(total) > int(d.maxDwords) {
		d.l.WithField("dwords", total).WithField("limit", d.maxDwords).
			Error("Submission copy exceeds the IB size limit")
		return 0, fmt.Errorf("submission needs %d dwords, the IB limit is %d", align8(total), d.maxDwords)
	}

	tmp, words, err := d.allocSubmitCopy(total)
	if err != nil {
		return 0, err
	}
	defer tmp.Free()

	at := 0
	emit := func(ws []uint32) {
		for at%8 != 0 {
			words[at] = pad
			at++
		}
		at += copy(words[at:], ws)
	}
	if req.Preamble != nil {
		emit(req.Preamble.words)
	}
	group := avail[:n]
	for _, cs := range group {
		emit(cs.words)
	}
	for at%8 != 0 {
		words[at] = pad
		at++
	}

	last := start+n == len(streams)
	bin := &boListInput{
		streams:  group,
		preamble: req.Preamble,
		extra:    append(append([]*Buffer(nil), req.ExtraBuffers...), tmp),
		explicit: req.ExplicitBos,
	}
	first := group[0]
	ibs := []drm.CsChunkIB{{
		VAStart:    tmp.va,
		IBBytes:    uint32(at) * 4,
		IPType:     first.ipType,
		IPInstance: first.ipInstance,
		Ring:       first.ring,
	}}

	seq, err := c.submitOne(bin, ibs, req, firstReq, last)
	if err != nil {
		return 0, err
	}
	c.recordFence(first.ipType, first.ipInstance, first.ring, seq, req.Fence)
	return n, nil
}

// submitOverflowed handles a stream whose recording spilled into
// old-buffer snapshots: each snapshot plus the final buffer becomes its
// own IB descriptor in a single request.
func (s sysmemStrategy) submitOverflowed(c *Context, req *SubmitRequest, cs *Cs, firstReq, last bool) error {
	d := c.dev

	parts := make([][]uint32, 0, len(cs.oldWords)+1)
	parts = append(parts, cs.oldWords...)
	parts = append(parts, cs.words)

	limit := d.maxSubmitIBs
	if req.Preamble != nil {
		limit--
	}
	if len(parts) > limit {
		d.l.WithField("parts", len(parts)).WithField("limit", limit).
			Error("Overflowed stream needs more IB descriptors than one submission allows")
		return fmt.Errorf("stream overflowed %d times, submission limit is %d descriptors", len(parts), limit)
	}

	tmps := make([]*Buffer, 0, len(parts))
	defer func() {
		for _, b := range tmps {
			b.Free()
		}
	}()

	var ibs []drm.CsChunkIB
	if req.Preamble != nil {
		pre, words, err := d.allocSubmitCopy(align8(len(req.Preamble.words)))
		if err != nil {
			return err
		}
		tmps = append(tmps, pre)
		copy(words, req.Preamble.words)
		ibs = append(ibs, drm.CsChunkIB{
			Flags:      drm.IBFlagPreamble,
			VAStart:    pre.va,
			IBBytes:    uint32(align8(len(req.Preamble.words))) * 4,
			IPType:     cs.ipType,
			IPInstance: cs.ipInstance,
			Ring:       cs.ring,
		})
	}

	for _, part := range parts {
		tmp, words, err := d.allocSubmitCopy(align8(len(part)))
		if err != nil {
			return err
		}
		tmps = append(tmps, tmp)
		copy(words, part)
		ibs = append(ibs, drm.CsChunkIB{
			VAStart:    tmp.va,
			IBBytes:    uint32(align8(len(part))) * 4,
			IPType:     cs.ipType,
			IPInstance: cs.ipInstance,
			Ring:       cs.ring,
		})
	}

	bin := &boListInput{
		streams:  []*Cs{cs},
		preamble: req.Preamble,
		extra:    append(append([]*Buffer(nil), req.ExtraBuffers...), tmps...),
		explicit: req.ExplicitBos,
	}

	seq, err := c.submitOne(bin, ibs, req, firstReq, last)
	if err != nil {
		return err
	}
	c.recordFence(cs.ipType, cs.ipInstance, cs.ring, seq, req.Fence)
	return nil
}

// allocSubmitCopy allocates a mapped scratch buffer for dwords command
// words, pre-filled with zero nops by the kernel.
func (d *Device) allocSubmitCopy(dwords int) (*Buffer, []uint32, error) {
	size := (uint64(dwords)*4 + 4095) &^ 4095
	if size == 0 {
		size = 4096
	}
	b, err := d.AllocBuffer(size, 4096, drm.DomainGTT, drm.CreateCPUAccessRequired)
	if err != nil {
		return nil, nil, err
	}
	m, err := b.Map()
	if err != nil {
		b.Free()
		return nil, nil, err
	}
	words := unsafeWords(m)
	return b, words, nil
}

func align8(n int) int {
	return (n + 7) &^ 7
}
