package radwin

import (
	"fmt"
	"unsafe"

	"github.com/radgpu/radwin/drm"
)

// Context is one kernel submission context. Sequence numbers are
// strictly increasing per (context, IP type, ring), and the context
// remembers the last submission on each queue so callers can wait for
// idle without bookkeeping of their own.
type Context struct {
	dev *Device
	id  uint32

	// fenceBO is a shared zero-initialized page; the hardware writes the
	// latest completed sequence number for each (IP, ring) pair into its
	// slot.
	fenceBO  *Buffer
	fenceMap []uint64

	// lastSubmit is overwritten unconditionally after each submit, last
	// writer wins. Callers racing submissions to the same ring must
	// serialize externally if they read it.
	lastSubmit [drm.HwIPNum][maxRingsPerIP]*Fence
}

// NewContext allocates a kernel context and its user fence page.
func (d *Device) NewContext() (*Context, error) {
	id, err := d.ops.CtxAlloc()
	if err != nil {
		return nil, fmt.Errorf("context allocation failed: %w", err)
	}

	c := &Context{dev: d, id: id}

	fenceBO, err := d.AllocBuffer(4096, 4096, drm.DomainGTT, drm.CreateCPUAccessRequired)
	if err != nil {
		d.ops.CtxFree(id)
		return nil, err
	}
	m, err := fenceBO.Map()
	if err != nil {
		fenceBO.Free()
		d.ops.CtxFree(id)
		return nil, err
	}
	c.fenceBO = fenceBO
	c.fenceMap = unsafe.Slice((*uint64)(unsafe.Pointer(&m[0])), len(m)/8)
	for i := range c.fenceMap {
		c.fenceMap[i] = 0
	}

	return c, nil
}

// ID returns the kernel context id.
func (c *Context) ID() uint32 { return c.id }

func (c *Context) userFenceSlot(ipType, ring uint32) *uint64 {
	return &c.fenceMap[ipType*maxRingsPerIP+ring]
}

func (c *Context) userFenceOffset(ipType, ring uint32) uint32 {
	return (ipType*maxRingsPerIP + ring) * 8
}

func (c *Context) recordFence(ipType, ipInstance, ring uint32, seq uint64, out *Fence) {
	f := &Fence{
		CtxID:      c.id,
		IPType:     ipType,
		IPInstance: ipInstance,
		Ring:       ring,
		SeqNo:      seq,
		user:       c.userFenceSlot(ipType, ring),
	}
	c.lastSubmit[ipType][ring] = f
	if out != nil {
		*out = *f
	}
}

// LastFence returns the fence of the most recent submission on the
// given queue, or nil if nothing was submitted.
func (c *Context) LastFence(ipType, ring uint32) *Fence {
	return c.lastSubmit[ipType][ring]
}

// WaitIdle blocks until every queue this context ever submitted to has
// completed its last submission.
func (c *Context) WaitIdle(timeoutNs uint64) bool {
	var pending []*Fence
	for ip := range c.lastSubmit {
		for ring := range c.lastSubmit[ip] {
			if f := c.lastSubmit[ip][ring]; f != nil {
				pending = append(pending, f)
			}
		}
	}
	return c.dev.FencesWait(pending, true, timeoutNs)
}

// Destroy frees the kernel context and the fence page. Outstanding
// submissions keep running; callers wanting a clean shutdown call
// WaitIdle first.
func (c *Context) Destroy() {
	if c.fenceBO != nil {
		c.fenceBO.Free()
		c.fenceBO = nil
		c.fenceMap = nil
	}
	if err := c.dev.ops.CtxFree(c.id); err != nil {
		c.dev.l.WithError(err).WithField("ctx", c.id).Error("Failed to free context")
	}
}
