package radwin

import (
	"sync/atomic"
	"time"

	"github.com/radgpu/radwin/drm"
)

// Fence names one point in one hardware queue's completion sequence. A
// fence is signaled once the queue's completed counter reaches SeqNo.
type Fence struct {
	CtxID      uint32
	IPType     uint32
	IPInstance uint32
	Ring       uint32
	SeqNo      uint64

	// user points at this queue's slot in the context's shared fence
	// page. The hardware writes the latest completed sequence number
	// there, so a load can answer most waits without a syscall.
	user *uint64
}

func (f *Fence) kernel() drm.Fence {
	return drm.Fence{
		CtxID:      f.CtxID,
		IPType:     f.IPType,
		IPInstance: f.IPInstance,
		Ring:       f.Ring,
		SeqNo:      f.SeqNo,
	}
}

// Signaled checks the user fence slot without entering the kernel. It
// returns false when the fence has no user slot.
func (f *Fence) Signaled() bool {
	return f.user != nil && atomic.LoadUint64(f.user) >= f.SeqNo
}

// FenceWait blocks until the fence signals or the timeout expires and
// reports whether it signaled. timeoutNs is absolute when absolute is
// set, otherwise relative; drm.TimeoutInfinite disables the deadline.
// Kernel query failures are logged and reported as not signaled, since
// the caller can always retry a wait.
func (d *Device) FenceWait(f *Fence, timeoutNs uint64, absolute bool) bool {
	if f.user != nil {
		if atomic.LoadUint64(f.user) >= f.SeqNo {
			return true
		}
		if timeoutNs == 0 && !absolute {
			return false
		}
	}

	// The kernel wait takes an absolute deadline.
	deadline := timeoutNs
	if !absolute && timeoutNs != drm.TimeoutInfinite {
		deadline = uint64(time.Now().UnixNano()) + timeoutNs
	}

	kf := f.kernel()
	signaled, err := d.ops.WaitCs(&kf, deadline, true)
	if err != nil {
		d.l.WithError(err).WithField("ipType", f.IPType).WithField("ring", f.Ring).
			Error("Fence status query failed")
		return false
	}
	return signaled
}

// FencesWait issues one batched kernel wait over all fences. With
// waitAll it reports whether every fence signaled in time, otherwise
// whether any did.
func (d *Device) FencesWait(fences []*Fence, waitAll bool, timeoutNs uint64) bool {
	if len(fences) == 0 {
		return true
	}

	tmp := make([]drm.Fence, len(fences))
	for i, f := range fences {
		tmp[i] = f.kernel()
	}

	signaled, _, err := d.ops.WaitFences(tmp, waitAll, timeoutNs)
	if err != nil {
		d.l.WithError(err).Error("Batched fence wait failed")
		return false
	}
	return signaled
}
