package radwin

import (
	"fmt"
	"math"

	"github.com/radgpu/radwin/drm"
)

// Syncobj wraps a kernel sync object: an explicit synchronization
// primitive shareable across queues and processes, orthogonal to the
// same-context Fence type.
type Syncobj struct {
	dev    *Device
	Handle uint32
}

// CreateSyncobj creates a sync object, optionally already signaled.
func (d *Device) CreateSyncobj(signaled bool) (*Syncobj, error) {
	var flags uint32
	if signaled {
		flags = drm.SyncobjCreateSignaled
	}
	h, err := d.ops.SyncobjCreate(flags)
	if err != nil {
		return nil, fmt.Errorf("syncobj creation failed: %w", err)
	}
	return &Syncobj{dev: d, Handle: h}, nil
}

// ImportSyncobjFd turns a syncobj fd exported by another process into a
// new sync object.
func (d *Device) ImportSyncobjFd(fd int) (*Syncobj, error) {
	h, err := d.ops.SyncobjImport(fd, 0, 0)
	if err != nil {
		return nil, fmt.Errorf("syncobj import failed: %w", err)
	}
	return &Syncobj{dev: d, Handle: h}, nil
}

// Destroy releases the sync object.
func (s *Syncobj) Destroy() {
	if err := s.dev.ops.SyncobjDestroy(s.Handle); err != nil {
		s.dev.l.WithError(err).WithField("syncobj", s.Handle).Error("Failed to destroy syncobj")
	}
}

// Reset puts the sync object back to unsignaled.
func (s *Syncobj) Reset() error {
	return s.dev.ops.SyncobjReset([]uint32{s.Handle})
}

// Signal signals the sync object from the CPU.
func (s *Syncobj) Signal() error {
	return s.dev.ops.SyncobjSignal([]uint32{s.Handle})
}

// ExportFd exports the sync object as an fd another process can import.
func (s *Syncobj) ExportFd() (int, error) {
	return s.dev.ops.SyncobjExport(s.Handle, 0)
}

// ExportSyncFile exports the sync object's current fence as a sync-file
// fd for interop with system-wide sync primitives.
func (s *Syncobj) ExportSyncFile() (int, error) {
	return s.dev.ops.SyncobjExport(s.Handle, drm.SyncobjHandleToFdFlagsExportSyncFile)
}

// ImportSyncFile replaces the sync object's fence with the one carried
// by a sync-file fd.
func (s *Syncobj) ImportSyncFile(fd int) error {
	_, err := s.dev.ops.SyncobjImport(fd, drm.SyncobjFdToHandleFlagsImportSyncFile, s.Handle)
	return err
}

// SyncobjsWait waits for the given sync objects and reports whether the
// wait was satisfied before the timeout. The unsigned timeout is clamped
// to the signed range the kernel expects; a kernel timeout is a false
// return, not an error.
func (d *Device) SyncobjsWait(objs []*Syncobj, waitAll, waitForSubmit bool, timeoutNs uint64) (bool, error) {
	if len(objs) == 0 {
		return true, nil
	}
	handles := make([]uint32, len(objs))
	for i, s := range objs {
		handles[i] = s.Handle
	}

	var flags uint32
	if waitAll {
		flags |= drm.SyncobjWaitFlagsWaitAll
	}
	if waitForSubmit {
		flags |= drm.SyncobjWaitFlagsWaitForSubmit
	}

	t := int64(math.MaxInt64)
	if timeoutNs < uint64(math.MaxInt64) {
		t = int64(timeoutNs)
	}

	signaled, _, err := d.ops.SyncobjWait(handles, t, flags)
	return signaled, err
}

// SyncobjWait waits for a single sync object.
func (s *Syncobj) Wait(timeoutNs uint64, waitForSubmit bool) (bool, error) {
	return s.dev.SyncobjsWait([]*Syncobj{s}, true, waitForSubmit, timeoutNs)
}
