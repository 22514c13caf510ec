package radwin

// Reference tables track the set of buffers a command stream touches. A
// direct-mapped hash slot sits in front of an authoritative growable
// array: a slot miss falls back to a linear scan of the array, so
// correctness never depends on the hash, only lookup speed does.
const (
	refHashSize     = 256
	virtualHashSize = 1024
)

type refTable struct {
	hash []int32
	bos  []*Buffer
}

func newRefTable(hashSize int) *refTable {
	t := &refTable{hash: make([]int32, hashSize)}
	t.clearHash()
	return t
}

func (t *refTable) clearHash() {
	for i := range t.hash {
		t.hash[i] = -1
	}
}

func (t *refTable) slot(b *Buffer) int {
	return int(b.uid>>6) & (len(t.hash) - 1)
}

// find returns the array index of b, or -1. A hit found by scan is
// backfilled into the hash slot for next time.
func (t *refTable) find(b *Buffer) int {
	h := t.slot(b)
	if i := t.hash[h]; i >= 0 && int(i) < len(t.bos) && t.bos[i] == b {
		return int(i)
	}
	for i, e := range t.bos {
		if e == b {
			t.hash[h] = int32(i)
			return i
		}
	}
	return -1
}

// add appends b if it is not already present.
func (t *refTable) add(b *Buffer) {
	if t.find(b) >= 0 {
		return
	}
	t.bos = append(t.bos, b)
	t.hash[t.slot(b)] = int32(len(t.bos) - 1)
}

// reset drops every reference but keeps the array's capacity.
func (t *refTable) reset() {
	t.bos = t.bos[:0]
	t.clearHash()
}

// merge adds every buffer of other into t.
func (t *refTable) merge(other *refTable) {
	if other == nil {
		return
	}
	for _, b := range other.bos {
		t.add(b)
	}
}

// AddBuffer registers b as referenced by the stream. Local buffers are
// skipped, virtual buffers go to the lazily allocated virtual table,
// everything else to the direct table.
func (cs *Cs) AddBuffer(b *Buffer) {
	if b.Local {
		return
	}
	if b.virtual {
		if cs.virtualRefs == nil {
			cs.virtualRefs = newRefTable(virtualHashSize)
		}
		cs.virtualRefs.add(b)
		return
	}
	cs.refs.add(b)
}

// Buffers returns the stream's direct reference array. The slice is
// owned by the stream and only valid until the next AddBuffer or Reset.
func (cs *Cs) Buffers() []*Buffer {
	return cs.refs.bos
}

// VirtualBuffers returns the stream's virtual reference array, if any.
func (cs *Cs) VirtualBuffers() []*Buffer {
	if cs.virtualRefs == nil {
		return nil
	}
	return cs.virtualRefs.bos
}
