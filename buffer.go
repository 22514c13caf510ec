package radwin

import (
	"fmt"
	"sync/atomic"
)

// Buffer is one GPU memory allocation. Streams borrow buffers; they
// never own them. A virtual buffer owns its backing list and carries no
// kernel handle of its own.
type Buffer struct {
	dev *Device

	// uid is device-unique and never reused; the reference tables hash
	// it. handle is the kernel GEM handle, zero for virtual buffers.
	uid    uint32
	handle uint32

	size    uint64
	va      uint64
	mapping []byte

	// Local buffers never need kernel tracking (sparse placeholders and
	// the like); AddBuffer skips them entirely.
	Local bool

	virtual bool
	backing []*Buffer
}

// AllocBuffer creates and registers a buffer of size bytes in the given
// GEM domain.
func (d *Device) AllocBuffer(size, alignment uint64, domains, flags uint64) (*Buffer, error) {
	handle, va, err := d.ops.BufferAlloc(size, alignment, domains, flags)
	if err != nil {
		return nil, fmt.Errorf("buffer allocation of %d bytes failed: %w", size, err)
	}

	b := &Buffer{
		dev:    d,
		uid:    atomic.AddUint32(&d.nextUID, 1),
		handle: handle,
		size:   size,
		va:     va,
	}
	d.registerBuffer(b)
	return b, nil
}

// NewVirtualBuffer creates a buffer backed by the given physical
// buffers. The virtual buffer owns the backing list but not the buffers
// themselves.
func (d *Device) NewVirtualBuffer(backing []*Buffer) *Buffer {
	b := &Buffer{
		dev:     d,
		uid:     atomic.AddUint32(&d.nextUID, 1),
		virtual: true,
		backing: append([]*Buffer(nil), backing...),
	}
	d.registerBuffer(b)
	return b
}

// Handle returns the kernel GEM handle, zero for virtual buffers.
func (b *Buffer) Handle() uint32 { return b.handle }

// VA returns the buffer's GPU virtual address.
func (b *Buffer) VA() uint64 { return b.va }

// Size returns the allocation size in bytes.
func (b *Buffer) Size() uint64 { return b.size }

// Virtual reports whether this buffer is backed by other buffers.
func (b *Buffer) Virtual() bool { return b.virtual }

// Backing returns the physical buffers behind a virtual buffer.
func (b *Buffer) Backing() []*Buffer { return b.backing }

// SetBacking replaces a virtual buffer's backing list, for sparse
// bind/unbind.
func (b *Buffer) SetBacking(backing []*Buffer) {
	if !b.virtual {
		return
	}
	b.backing = append(b.backing[:0], backing...)
}

// Map returns a CPU mapping of the buffer, mapping it on first use.
func (b *Buffer) Map() ([]byte, error) {
	if b.virtual {
		return nil, fmt.Errorf("virtual buffers cannot be mapped")
	}
	if b.mapping != nil {
		return b.mapping, nil
	}
	m, err := b.dev.ops.BufferMap(b.handle, b.size)
	if err != nil {
		return nil, fmt.Errorf("mapping buffer %#x failed: %w", b.handle, err)
	}
	b.mapping = m
	return m, nil
}

// Free unmaps and releases the buffer. The caller guarantees no stream
// still references it.
func (b *Buffer) Free() {
	b.dev.unregisterBuffer(b)
	if b.virtual {
		b.backing = nil
		return
	}
	if b.mapping != nil {
		if err := b.dev.ops.BufferUnmap(b.mapping); err != nil {
			b.dev.l.WithError(err).WithField("handle", b.handle).Error("Failed to unmap buffer")
		}
		b.mapping = nil
	}
	if err := b.dev.ops.BufferFree(b.handle); err != nil {
		b.dev.l.WithError(err).WithField("handle", b.handle).Error("Failed to free buffer")
	}
}

// WaitIdle blocks until the kernel considers the buffer idle, or the
// timeout expires. Virtual buffers wait on every backing buffer.
func (b *Buffer) WaitIdle(timeoutNs uint64) (bool, error) {
	if b.virtual {
		for _, p := range b.backing {
			idle, err := p.WaitIdle(timeoutNs)
			if err != nil || !idle {
				return idle, err
			}
		}
		return true, nil
	}
	return b.dev.ops.BufferWaitIdle(b.handle, timeoutNs)
}
