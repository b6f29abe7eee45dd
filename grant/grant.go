// Package grant provides guest memory sharing for zero-copy display buffers.
//
// A guest shares pages with the backend through grant references; a Mapper
// turns an ordered list of references into a host-mapped Region. The Device
// mapper binds to the kernel grant device, Memory is an in-process mapper
// for tests and the displaytest backend.
package grant

import (
	"errors"
	"fmt"
)

// PageSize is the granularity of grant mappings.
const PageSize = 4096

// Ref is a grant table reference: a token under which one domain shares a
// single page of memory with another.
type Ref uint32

// Region is a host mapping of shared pages.
type Region interface {
	// Bytes returns the mapped memory. Guest writes are visible through the
	// returned slice for as long as the region is open.
	Bytes() []byte

	// Close releases the mapping.
	Close() error
}

// Mapper maps and allocates grant references.
type Mapper interface {
	// Map maps the pages shared by domain domID under refs, in order, into a
	// contiguous host region.
	Map(domID uint16, refs []Ref) (Region, error)

	// Alloc allocates count fresh pages, shares them with domain domID and
	// returns the produced references alongside the host mapping.
	Alloc(domID uint16, count int) (Region, []Ref, error)

	// Close releases the mapper. Regions remain valid until closed
	// themselves.
	Close() error
}

// Errors returned by mappers.
var (
	ErrNoRefs        = errors.New("grant: no references given")
	ErrUnknownDomain = errors.New("grant: unknown domain")
	ErrBadRef        = errors.New("grant: unknown reference")
)

// Pages returns the number of pages needed to map size bytes.
func Pages(size int) int {
	return (size + PageSize - 1) / PageSize
}

func checkRefs(refs []Ref) error {
	if len(refs) == 0 {
		return ErrNoRefs
	}
	return nil
}

func badRef(ref Ref) error {
	return fmt.Errorf("%w: %d", ErrBadRef, ref)
}
