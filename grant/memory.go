package grant

import (
	"fmt"
	"sync"
)

// Memory is an in-process Mapper. Shared pages live in ordinary slices, so a
// region returned by Map aliases the memory registered with Share and both
// sides observe each other's writes, mirroring a real grant mapping.
type Memory struct {
	mu      sync.Mutex
	nextRef Ref
	domains map[uint16]map[Ref]page
}

type page struct {
	slab   []byte
	offset int
}

// NewMemory returns an empty in-process mapper.
func NewMemory() *Memory {
	return &Memory{
		nextRef: 1,
		domains: make(map[uint16]map[Ref]page),
	}
}

// Share registers data as pages shared by domain domID and returns one
// reference per page. The data length is rounded up to whole pages.
func (m *Memory) Share(domID uint16, data []byte) []Ref {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := Pages(len(data))
	slab := data
	if len(slab) < n*PageSize {
		slab = make([]byte, n*PageSize)
		copy(slab, data)
	}

	dom := m.domains[domID]
	if dom == nil {
		dom = make(map[Ref]page)
		m.domains[domID] = dom
	}

	refs := make([]Ref, n)
	for i := 0; i < n; i++ {
		ref := m.nextRef
		m.nextRef++
		dom[ref] = page{slab: slab, offset: i * PageSize}
		refs[i] = ref
	}
	return refs
}

// Map implements Mapper. The references must have been produced by Share or
// Alloc for the same domain and describe consecutive pages of one slab.
func (m *Memory) Map(domID uint16, refs []Ref) (Region, error) {
	if err := checkRefs(refs); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	dom := m.domains[domID]
	if dom == nil {
		return nil, fmt.Errorf("%w: %d", ErrUnknownDomain, domID)
	}

	first, ok := dom[refs[0]]
	if !ok {
		return nil, badRef(refs[0])
	}
	for i, ref := range refs[1:] {
		p, ok := dom[ref]
		if !ok {
			return nil, badRef(ref)
		}
		if &p.slab[0] != &first.slab[0] || p.offset != first.offset+(i+1)*PageSize {
			return nil, fmt.Errorf("grant: reference %d does not continue the region", ref)
		}
	}

	return &memoryRegion{
		data: first.slab[first.offset : first.offset+len(refs)*PageSize],
	}, nil
}

// Alloc implements Mapper.
func (m *Memory) Alloc(domID uint16, count int) (Region, []Ref, error) {
	if count <= 0 {
		return nil, nil, ErrNoRefs
	}
	slab := make([]byte, count*PageSize)
	refs := m.Share(domID, slab)
	return &memoryRegion{data: slab}, refs, nil
}

// Close implements Mapper.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.domains = make(map[uint16]map[Ref]page)
	return nil
}

type memoryRegion struct {
	data []byte
}

func (r *memoryRegion) Bytes() []byte { return r.data }

func (r *memoryRegion) Close() error {
	r.data = nil
	return nil
}
