package rxr

// MemoryRegion is a registered range remote peers can target with RMA
// operations, addressed by Key.
type MemoryRegion struct {
	Key      uint64
	buf      []byte
	handle   MemoryHandle
	local    MemoryHandle
	hasLocal bool
}

func (mr *MemoryRegion) Len() int {
	return len(mr.buf)
}

type memoryRegistry struct {
	nextKey uint64
	regions map[uint64]*MemoryRegion
}

func newMemoryRegistry() memoryRegistry {
	return memoryRegistry{regions: make(map[uint64]*MemoryRegion)}
}

func (m *memoryRegistry) insert(mr *MemoryRegion) {
	m.nextKey++
	mr.Key = m.nextKey
	m.regions[mr.Key] = mr
}

func (m *memoryRegistry) remove(key uint64) {
	delete(m.regions, key)
}

// resolve returns the target slice for an RMA operation, checking bounds.
func (m *memoryRegistry) resolve(key, offset, length uint64) ([]byte, error) {
	mr, ok := m.regions[key]
	if !ok {
		return nil, ErrUnknownRegion
	}
	if offset+length > uint64(len(mr.buf)) {
		return nil, ErrUnknownRegion
	}
	return mr.buf[offset : offset+length], nil
}
