package camera

import (
	"errors"
	"fmt"
	"image"
)

// ErrUnknownDriver is returned by NewSystem for an unregistered driver name.
var ErrUnknownDriver = errors.New("unknown camera driver")

// ErrNotFound is returned by System.Camera when no device has the serial.
var ErrNotFound = errors.New("camera not found")

// PixelFormat is the on-device conversion applied to each frame.
type PixelFormat string

const (
	Mono8  PixelFormat = "mono8"
	Mono16 PixelFormat = "mono16"
)

// ParsePixelFormat accepts "mono8" and "mono16".
func ParsePixelFormat(s string) (PixelFormat, error) {
	switch PixelFormat(s) {
	case Mono8, Mono16:
		return PixelFormat(s), nil
	}
	return "", fmt.Errorf("unsupported pixel format %q", s)
}

// BytesPerPixel returns the sample size of the format.
func (p PixelFormat) BytesPerPixel() int {
	if p == Mono16 {
		return 2
	}
	return 1
}

// Frame is one raster image. Mono16 samples are stored big-endian,
// the layout image.Gray16 uses.
type Frame struct {
	Width  int
	Height int
	Format PixelFormat
	Pix    []byte
}

// Image wraps the pixels without copying.
func (f Frame) Image() image.Image {
	r := image.Rect(0, 0, f.Width, f.Height)
	if f.Format == Mono16 {
		return &image.Gray16{Pix: f.Pix, Stride: 2 * f.Width, Rect: r}
	}
	return &image.Gray{Pix: f.Pix, Stride: f.Width, Rect: r}
}

// FramePair holds the frames both cameras produced for one capture index.
type FramePair struct {
	Index int
	Cam1  Frame
	Cam2  Frame
}

// Device is one camera as exposed by the vendor SDK.
type Device interface {
	Init() error
	// Arm starts continuous acquisition of count frames.
	Arm(count int) error
	// NextFrame blocks until the next frame is available.
	NextFrame(format PixelFormat) (Frame, error)
	EndAcquisition() error
	Deinit() error
}

// System is the device-enumeration handle. Release must be called after
// every Device obtained from it has been deinitialized.
type System interface {
	Camera(serial string) (Device, error)
	Release() error
}

// InitError reports which camera failed to open or arm.
type InitError struct {
	Camera int // 1 or 2
	Serial string
	Err    error
}

func (e *InitError) Error() string {
	return fmt.Sprintf("camera %d (serial %s) failed to initialize: %v", e.Camera, e.Serial, e.Err)
}

func (e *InitError) Unwrap() error { return e.Err }

// Settings selects and parameterizes a camera driver.
type Settings struct {
	Driver string
	Sim    SimOptions
}

// NewSystem opens the enumeration handle of the named driver.
func NewSystem(s Settings) (System, error) {
	switch s.Driver {
	case "sim":
		return NewSimSystem(s.Sim), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, s.Driver)
	}
}
