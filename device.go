package radwin

import (
	"fmt"
	"sync"

	"github.com/radgpu/radwin/config"
	"github.com/radgpu/radwin/drm"
	"github.com/sirupsen/logrus"
)

const (
	// The kernel accepts at most this many IB descriptors in one CS ioctl.
	maxIBsPerSubmit = 4

	// The IB size field is 20 bits of dwords, both in the chunk and in the
	// chain packet control word.
	maxIBDwords = 0xfffff

	// One uint64 completion slot per (IP type, ring) pair in the user
	// fence page.
	maxRingsPerIP = 8
)

// Device wraps one DRM render node and carries the capability flags and
// kernel limits every stream and submission consults.
type Device struct {
	l    *logrus.Logger
	ops  kernelOps
	info drm.InfoDevice

	// useIBs is false on hardware whose queues cannot execute indirect
	// buffers; streams then record into plain memory and submissions copy
	// into temporary BOs.
	useIBs bool
	// padWithType2 marks the one legacy generation whose parsers need
	// type-2 nops as IB filler.
	padWithType2 bool

	maxSubmitIBs int
	maxDwords    uint32

	// debugAllBuffers makes every submission reference every buffer the
	// device has ever created. Diagnostic safety net only.
	debugAllBuffers bool

	allBuffersMu sync.Mutex
	allBuffers   map[uint32]*Buffer

	nextUID uint32

	chained  submitStrategy
	fallback submitStrategy
	sysmem   submitStrategy

	metrics *csMetrics
}

// NewDevice opens the render node named by device.path and prepares it
// for command submission.
func NewDevice(l *logrus.Logger, c *config.C) (*Device, error) {
	path := c.GetString("device.path", "/dev/dri/renderD128")
	ops, err := openKernel(l, path)
	if err != nil {
		return nil, fmt.Errorf("failed to open device %s: %w", path, err)
	}

	d, err := newDevice(l, c, ops)
	if err != nil {
		ops.Close()
		return nil, err
	}

	l.WithField("device", path).
		WithField("family", drm.FamilyName(d.info.Family)).
		WithField("useIBs", d.useIBs).
		Info("Device opened")
	return d, nil
}

func newDevice(l *logrus.Logger, c *config.C, ops kernelOps) (*Device, error) {
	info, err := ops.DeviceInfo()
	if err != nil {
		return nil, fmt.Errorf("device info query failed: %w", err)
	}

	d := &Device{
		l:            l,
		ops:          ops,
		info:         info,
		maxSubmitIBs: c.GetInt("limits.max_submit_ibs", maxIBsPerSubmit),
		maxDwords:    c.GetUint32("limits.max_ib_dwords", maxIBDwords),
		allBuffers:   make(map[uint32]*Buffer),
		chained:      chainedStrategy{},
		fallback:     fallbackStrategy{},
		sysmem:       sysmemStrategy{},
		metrics:      newCsMetrics(),
	}

	// SDMA-only and pre-CI parts take command words from system memory.
	d.useIBs = info.Family >= drm.FamilyCI
	d.padWithType2 = info.Family == drm.FamilySI

	if c.IsSet("device.use_ibs") {
		d.useIBs = c.GetBool("device.use_ibs", d.useIBs)
	}
	d.debugAllBuffers = c.GetBool("debug.force_all_buffers", false)
	if d.debugAllBuffers {
		l.Warn("debug.force_all_buffers is set, every submission will reference every buffer")
	}

	return d, nil
}

// Close releases the device fd. Buffers and contexts must be destroyed
// first.
func (d *Device) Close() error {
	return d.ops.Close()
}

// Info returns the kernel's device description.
func (d *Device) Info() drm.InfoDevice {
	return d.info
}

func (d *Device) registerBuffer(b *Buffer) {
	d.allBuffersMu.Lock()
	d.allBuffers[b.uid] = b
	d.allBuffersMu.Unlock()
}

func (d *Device) unregisterBuffer(b *Buffer) {
	d.allBuffersMu.Lock()
	delete(d.allBuffers, b.uid)
	d.allBuffersMu.Unlock()
}
