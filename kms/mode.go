package kms

import (
	"fmt"
	"runtime"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/guestview/display/internal/ioctl"
)

// Kernel mode-setting ABI. Struct layouts and request numbers follow the
// uapi drm headers; all requests use the 'd' type byte.
const drmCmdBase = 0x64 << 8

// drm_mode_get_connector connection values.
const (
	connStatusConnected    = 1
	connStatusDisconnected = 2
	connStatusUnknown      = 3
)

// drm_mode_crtc_page_flip flags.
const pageFlipEvent = 0x01

// Event stream record types.
const (
	eventVBlank       = 0x01
	eventFlipComplete = 0x02
)

type (
	// drm_mode_card_res
	modeRes struct {
		fbIDPtr        uint64
		crtcIDPtr      uint64
		connectorIDPtr uint64
		encoderIDPtr   uint64

		countFBs        uint32
		countCRTCs      uint32
		countConnectors uint32
		countEncoders   uint32

		minWidth, maxWidth   uint32
		minHeight, maxHeight uint32
	}

	// drm_mode_modeinfo
	modeInfo struct {
		Clock                                         uint32
		HDisplay, HSyncStart, HSyncEnd, HTotal, HSkew uint16
		VDisplay, VSyncStart, VSyncEnd, VTotal, VScan uint16

		VRefresh uint32

		Flags uint32
		Type  uint32
		Name  [32]byte
	}

	// drm_mode_get_connector
	modeGetConnector struct {
		encodersPtr   uint64
		modesPtr      uint64
		propsPtr      uint64
		propValuesPtr uint64

		countModes    uint32
		countProps    uint32
		countEncoders uint32

		encoderID       uint32
		connectorID     uint32
		connectorType   uint32
		connectorTypeID uint32

		connection        uint32
		mmWidth, mmHeight uint32
		subpixel          uint32

		pad uint32
	}

	// drm_mode_get_encoder
	modeGetEncoder struct {
		id  uint32
		typ uint32

		crtcID uint32

		possibleCRTCs  uint32
		possibleClones uint32
	}

	// drm_mode_crtc
	modeCrtc struct {
		setConnectorsPtr uint64
		countConnectors  uint32

		id   uint32
		fbID uint32

		x, y uint32

		gammaSize uint32
		modeValid uint32
		mode      modeInfo
	}

	// drm_mode_fb_cmd2
	modeFBCmd2 struct {
		fbID          uint32
		width, height uint32
		pixelFormat   uint32
		flags         uint32
		handles       [4]uint32
		pitches       [4]uint32
		offsets       [4]uint32
		modifier      [4]uint64
	}

	// drm_mode_create_dumb
	modeCreateDumb struct {
		height, width uint32
		bpp           uint32
		flags         uint32

		// returned values
		handle uint32
		pitch  uint32
		size   uint64
	}

	// drm_mode_map_dumb
	modeMapDumb struct {
		handle uint32
		pad    uint32

		// fake offset for the subsequent mmap call
		offset uint64
	}

	// drm_mode_destroy_dumb
	modeDestroyDumb struct {
		handle uint32
	}

	// drm_gem_flink
	gemFlink struct {
		handle uint32
		name   uint32
	}

	// drm_mode_crtc_page_flip
	modePageFlip struct {
		crtcID   uint32
		fbID     uint32
		flags    uint32
		reserved uint32
		userData uint64
	}
)

var (
	// DRM_IOWR(0xA0, struct drm_mode_card_res)
	ioctlModeResources = ioctl.Encode(ioctl.Read|ioctl.Write,
		uint16(unsafe.Sizeof(modeRes{})), drmCmdBase|0xA0)

	// DRM_IOWR(0xA2, struct drm_mode_crtc)
	ioctlModeSetCrtc = ioctl.Encode(ioctl.Read|ioctl.Write,
		uint16(unsafe.Sizeof(modeCrtc{})), drmCmdBase|0xA2)

	// DRM_IOWR(0xA6, struct drm_mode_get_encoder)
	ioctlModeGetEncoder = ioctl.Encode(ioctl.Read|ioctl.Write,
		uint16(unsafe.Sizeof(modeGetEncoder{})), drmCmdBase|0xA6)

	// DRM_IOWR(0xA7, struct drm_mode_get_connector)
	ioctlModeGetConnector = ioctl.Encode(ioctl.Read|ioctl.Write,
		uint16(unsafe.Sizeof(modeGetConnector{})), drmCmdBase|0xA7)

	// DRM_IOWR(0xAF, unsigned int)
	ioctlModeRmFB = ioctl.Encode(ioctl.Read|ioctl.Write,
		uint16(unsafe.Sizeof(uint32(0))), drmCmdBase|0xAF)

	// DRM_IOWR(0xB0, struct drm_mode_crtc_page_flip)
	ioctlModePageFlip = ioctl.Encode(ioctl.Read|ioctl.Write,
		uint16(unsafe.Sizeof(modePageFlip{})), drmCmdBase|0xB0)

	// DRM_IOWR(0xB2, struct drm_mode_create_dumb)
	ioctlModeCreateDumb = ioctl.Encode(ioctl.Read|ioctl.Write,
		uint16(unsafe.Sizeof(modeCreateDumb{})), drmCmdBase|0xB2)

	// DRM_IOWR(0xB3, struct drm_mode_map_dumb)
	ioctlModeMapDumb = ioctl.Encode(ioctl.Read|ioctl.Write,
		uint16(unsafe.Sizeof(modeMapDumb{})), drmCmdBase|0xB3)

	// DRM_IOWR(0xB4, struct drm_mode_destroy_dumb)
	ioctlModeDestroyDumb = ioctl.Encode(ioctl.Read|ioctl.Write,
		uint16(unsafe.Sizeof(modeDestroyDumb{})), drmCmdBase|0xB4)

	// DRM_IOWR(0xB8, struct drm_mode_fb_cmd2)
	ioctlModeAddFB2 = ioctl.Encode(ioctl.Read|ioctl.Write,
		uint16(unsafe.Sizeof(modeFBCmd2{})), drmCmdBase|0xB8)

	// DRM_IOWR(0x0A, struct drm_gem_flink)
	ioctlGemFlink = ioctl.Encode(ioctl.Read|ioctl.Write,
		uint16(unsafe.Sizeof(gemFlink{})), drmCmdBase|0x0A)
)

// resources is the decoded drm_mode_card_res.
type resources struct {
	crtcs      []uint32
	connectors []uint32
	encoders   []uint32

	minWidth, maxWidth   uint32
	minHeight, maxHeight uint32
}

// getResources queries the device resource counts and ids. Two passes: the
// first returns the counts, the second fills the id arrays.
func getResources(fd uintptr) (*resources, error) {
	mres := &modeRes{}
	if err := ioctl.Do(fd, ioctlModeResources, mres); err != nil {
		return nil, err
	}

	var crtcs, connectors, encoders []uint32
	if mres.countCRTCs > 0 {
		crtcs = make([]uint32, mres.countCRTCs)
		mres.crtcIDPtr = uint64(uintptr(unsafe.Pointer(&crtcs[0])))
	}
	if mres.countConnectors > 0 {
		connectors = make([]uint32, mres.countConnectors)
		mres.connectorIDPtr = uint64(uintptr(unsafe.Pointer(&connectors[0])))
	}
	if mres.countEncoders > 0 {
		encoders = make([]uint32, mres.countEncoders)
		mres.encoderIDPtr = uint64(uintptr(unsafe.Pointer(&encoders[0])))
	}
	mres.fbIDPtr = 0
	mres.countFBs = 0

	err := ioctl.Do(fd, ioctlModeResources, mres)
	runtime.KeepAlive(crtcs)
	runtime.KeepAlive(connectors)
	runtime.KeepAlive(encoders)
	if err != nil {
		return nil, err
	}

	// A hotplug between the two calls changes the counts the second call
	// writes back, while only the supplied lengths were filled.
	return &resources{
		crtcs:      crtcs[:clampCount(mres.countCRTCs, crtcs)],
		connectors: connectors[:clampCount(mres.countConnectors, connectors)],
		encoders:   encoders[:clampCount(mres.countEncoders, encoders)],
		minWidth:   mres.minWidth,
		maxWidth:   mres.maxWidth,
		minHeight:  mres.minHeight,
		maxHeight:  mres.maxHeight,
	}, nil
}

// connectorInfo is the decoded drm_mode_get_connector.
type connectorInfo struct {
	id        uint32
	encoderID uint32
	typ       uint32
	typeID    uint32

	connection uint32

	modes    []modeInfo
	encoders []uint32
}

func getConnector(fd uintptr, id uint32) (*connectorInfo, error) {
	conn := &modeGetConnector{connectorID: id}
	if err := ioctl.Do(fd, ioctlModeGetConnector, conn); err != nil {
		return nil, err
	}

	var encoders []uint32
	if conn.countModes == 0 {
		conn.countModes = 1
	}
	modes := make([]modeInfo, conn.countModes)
	conn.modesPtr = uint64(uintptr(unsafe.Pointer(&modes[0])))
	if conn.countEncoders > 0 {
		encoders = make([]uint32, conn.countEncoders)
		conn.encodersPtr = uint64(uintptr(unsafe.Pointer(&encoders[0])))
	}
	conn.countProps = 0
	conn.propsPtr = 0
	conn.propValuesPtr = 0

	err := ioctl.Do(fd, ioctlModeGetConnector, conn)
	runtime.KeepAlive(modes)
	runtime.KeepAlive(encoders)
	if err != nil {
		return nil, err
	}

	return &connectorInfo{
		id:         conn.connectorID,
		encoderID:  conn.encoderID,
		typ:        conn.connectorType,
		typeID:     conn.connectorTypeID,
		connection: conn.connection,
		modes:      modes[:clampCount(conn.countModes, modes)],
		encoders:   encoders[:clampCount(conn.countEncoders, encoders)],
	}, nil
}

// clampCount bounds a count written back by the second pass of a two-pass
// query to the length actually allocated after the first pass.
func clampCount[T any](count uint32, filled []T) uint32 {
	if int(count) > len(filled) {
		return uint32(len(filled))
	}
	return count
}

func getEncoder(fd uintptr, id uint32) (*modeGetEncoder, error) {
	enc := &modeGetEncoder{id: id}
	if err := ioctl.Do(fd, ioctlModeGetEncoder, enc); err != nil {
		return nil, err
	}
	return enc, nil
}

// setCrtc attaches connID to the given CRTC showing fbID in the given mode.
// A nil mode with fbID zero disables the CRTC.
func setCrtc(fd uintptr, crtcID, connID, fbID uint32, mode *modeInfo) error {
	crtc := &modeCrtc{id: crtcID, fbID: fbID}
	var conns [1]uint32
	if mode != nil {
		conns[0] = connID
		crtc.setConnectorsPtr = uint64(uintptr(unsafe.Pointer(&conns[0])))
		crtc.countConnectors = 1
		crtc.mode = *mode
		crtc.modeValid = 1
	}
	err := ioctl.Do(fd, ioctlModeSetCrtc, crtc)
	runtime.KeepAlive(&conns)
	return err
}

func addFB2(fd uintptr, width, height, pixelFormat, pitch, handle uint32) (uint32, error) {
	cmd := &modeFBCmd2{
		width:       width,
		height:      height,
		pixelFormat: pixelFormat,
	}
	cmd.handles[0] = handle
	cmd.pitches[0] = pitch
	if err := ioctl.Do(fd, ioctlModeAddFB2, cmd); err != nil {
		return 0, err
	}
	return cmd.fbID, nil
}

func rmFB(fd uintptr, id uint32) error {
	return ioctl.Do(fd, ioctlModeRmFB, &id)
}

func createDumb(fd uintptr, width, height, bpp uint32) (handle, pitch uint32, size uint64, err error) {
	dumb := &modeCreateDumb{width: width, height: height, bpp: bpp}
	if err = ioctl.Do(fd, ioctlModeCreateDumb, dumb); err != nil {
		return 0, 0, 0, err
	}
	return dumb.handle, dumb.pitch, dumb.size, nil
}

func mapDumb(fd uintptr, handle uint32) (uint64, error) {
	m := &modeMapDumb{handle: handle}
	if err := ioctl.Do(fd, ioctlModeMapDumb, m); err != nil {
		return 0, err
	}
	return m.offset, nil
}

func destroyDumb(fd uintptr, handle uint32) error {
	return ioctl.Do(fd, ioctlModeDestroyDumb, &modeDestroyDumb{handle: handle})
}

func flinkName(fd uintptr, handle uint32) (uint32, error) {
	flink := &gemFlink{handle: handle}
	if err := ioctl.Do(fd, ioctlGemFlink, flink); err != nil {
		return 0, err
	}
	return flink.name, nil
}

func schedulePageFlip(fd uintptr, crtcID, fbID uint32, userData uint64) error {
	return ioctl.Do(fd, ioctlModePageFlip, &modePageFlip{
		crtcID:   crtcID,
		fbID:     fbID,
		flags:    pageFlipEvent,
		userData: userData,
	})
}

func mmapDumb(fd uintptr, offset uint64, size int) ([]byte, error) {
	return unix.Mmap(int(fd), int64(offset), size,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
}

// Connector type names as exposed by the kernel, indexed by connector type.
var connectorTypeNames = []string{
	"Unknown", "VGA", "DVI-I", "DVI-D", "DVI-A",
	"Composite", "SVIDEO", "LVDS", "Component", "DIN",
	"DP", "HDMI-A", "HDMI-B", "TV", "eDP",
	"Virtual", "DSI", "DPI", "Writeback", "SPI", "USB",
}

// connectorName builds the stable output name, e.g. "HDMI-A-1".
func connectorName(typ, typeID uint32) string {
	name := "Unknown"
	if int(typ) < len(connectorTypeNames) {
		name = connectorTypeNames[typ]
	}
	return fmt.Sprintf("%s-%d", name, typeID)
}

// findMode returns the first connector mode with the given resolution.
func findMode(modes []modeInfo, width, height uint32) *modeInfo {
	for i := range modes {
		if uint32(modes[i].HDisplay) == width && uint32(modes[i].VDisplay) == height {
			return &modes[i]
		}
	}
	return nil
}
