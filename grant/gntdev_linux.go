package grant

import (
	"encoding/binary"
	"os"
	"runtime"
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/guestview/display/internal/ioctl"
)

const (
	gntdevPath   = "/dev/xen/gntdev"
	gntallocPath = "/dev/xen/gntalloc"

	// Request type 'G', shared by the gntdev and gntalloc devices.
	gntCmdBase = 0x47 << 8

	// GNTALLOC_FLAG_WRITABLE
	gntallocWritable = 1
)

// Grant device requests. Sizes are sizeof the kernel argument structs with
// their single-element trailing arrays.
var (
	ioctlMapGrantRef     = ioctl.Encode(ioctl.None, 24, gntCmdBase|0) // ioctl_gntdev_map_grant_ref
	ioctlUnmapGrantRef   = ioctl.Encode(ioctl.None, 16, gntCmdBase|1) // ioctl_gntdev_unmap_grant_ref
	ioctlAllocGrantRef   = ioctl.Encode(ioctl.None, 24, gntCmdBase|5) // ioctl_gntalloc_alloc_gntref
	ioctlDeallocGrantRef = ioctl.Encode(ioctl.None, 16, gntCmdBase|6) // ioctl_gntalloc_dealloc_gntref
)

// Device is a Mapper backed by the kernel grant devices: mappings go through
// /dev/xen/gntdev, allocations through /dev/xen/gntalloc. The gntalloc
// device is opened on first use, so Alloc fails on hosts that lack it while
// Map keeps working.
type Device struct {
	dev   *os.File
	alloc *os.File
}

// OpenDevice opens the grant mapping device.
func OpenDevice() (*Device, error) {
	f, err := os.OpenFile(gntdevPath, os.O_RDWR, 0)
	if err != nil {
		return nil, errors.Wrap(err, "open grant device")
	}
	return &Device{dev: f}, nil
}

// Map implements Mapper.
func (d *Device) Map(domID uint16, refs []Ref) (Region, error) {
	if err := checkRefs(refs); err != nil {
		return nil, err
	}

	// struct ioctl_gntdev_map_grant_ref: count, pad, index (out), then one
	// {domid, ref} pair per page.
	buf := make([]byte, 16+8*len(refs))
	binary.NativeEndian.PutUint32(buf[0:], uint32(len(refs)))
	for i, ref := range refs {
		off := 16 + 8*i
		binary.NativeEndian.PutUint32(buf[off:], uint32(domID))
		binary.NativeEndian.PutUint32(buf[off+4:], uint32(ref))
	}

	err := ioctl.Call(d.dev.Fd(), uintptr(ioctlMapGrantRef), uintptr(unsafe.Pointer(&buf[0])))
	runtime.KeepAlive(buf)
	if err != nil {
		return nil, errors.Wrapf(err, "map %d grant refs for domain %d", len(refs), domID)
	}
	index := binary.NativeEndian.Uint64(buf[8:])

	data, err := unix.Mmap(int(d.dev.Fd()), int64(index), len(refs)*PageSize,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		_ = d.unmap(index, len(refs))
		return nil, errors.Wrap(err, "mmap grant region")
	}

	return &deviceRegion{
		data:    data,
		release: func() error { return d.unmap(index, len(refs)) },
	}, nil
}

// Alloc implements Mapper.
func (d *Device) Alloc(domID uint16, count int) (Region, []Ref, error) {
	if count <= 0 {
		return nil, nil, ErrNoRefs
	}
	if d.alloc == nil {
		f, err := os.OpenFile(gntallocPath, os.O_RDWR, 0)
		if err != nil {
			return nil, nil, errors.Wrap(err, "open grant allocation device")
		}
		d.alloc = f
	}

	// struct ioctl_gntalloc_alloc_gntref: domid, flags, count, index (out),
	// then one ref id per page (out).
	buf := make([]byte, 16+4*count)
	binary.NativeEndian.PutUint16(buf[0:], domID)
	binary.NativeEndian.PutUint16(buf[2:], gntallocWritable)
	binary.NativeEndian.PutUint32(buf[4:], uint32(count))

	err := ioctl.Call(d.alloc.Fd(), uintptr(ioctlAllocGrantRef), uintptr(unsafe.Pointer(&buf[0])))
	runtime.KeepAlive(buf)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "alloc %d grant refs for domain %d", count, domID)
	}
	index := binary.NativeEndian.Uint64(buf[8:])

	refs := make([]Ref, count)
	for i := range refs {
		refs[i] = Ref(binary.NativeEndian.Uint32(buf[16+4*i:]))
	}

	data, err := unix.Mmap(int(d.alloc.Fd()), int64(index), count*PageSize,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		_ = d.dealloc(index, count)
		return nil, nil, errors.Wrap(err, "mmap allocated grant region")
	}

	return &deviceRegion{
		data:    data,
		release: func() error { return d.dealloc(index, count) },
	}, refs, nil
}

// Close implements Mapper.
func (d *Device) Close() error {
	if d.alloc != nil {
		if err := d.alloc.Close(); err != nil {
			return err
		}
		d.alloc = nil
	}
	return d.dev.Close()
}

func (d *Device) unmap(index uint64, count int) error {
	// struct ioctl_gntdev_unmap_grant_ref: index, count, pad.
	var buf [16]byte
	binary.NativeEndian.PutUint64(buf[0:], index)
	binary.NativeEndian.PutUint32(buf[8:], uint32(count))
	err := ioctl.Call(d.dev.Fd(), uintptr(ioctlUnmapGrantRef), uintptr(unsafe.Pointer(&buf[0])))
	runtime.KeepAlive(&buf)
	return err
}

func (d *Device) dealloc(index uint64, count int) error {
	// struct ioctl_gntalloc_dealloc_gntref: index, count.
	var buf [16]byte
	binary.NativeEndian.PutUint64(buf[0:], index)
	binary.NativeEndian.PutUint32(buf[8:], uint32(count))
	err := ioctl.Call(d.alloc.Fd(), uintptr(ioctlDeallocGrantRef), uintptr(unsafe.Pointer(&buf[0])))
	runtime.KeepAlive(&buf)
	return err
}

type deviceRegion struct {
	data    []byte
	release func() error
}

func (r *deviceRegion) Bytes() []byte { return r.data }

func (r *deviceRegion) Close() error {
	if r.data == nil {
		return nil
	}
	data := r.data
	r.data = nil
	if err := unix.Munmap(data); err != nil {
		return errors.Wrap(err, "munmap grant region")
	}
	return r.release()
}
