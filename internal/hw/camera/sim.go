package camera

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/IJSComplexMatter/cross-ddm/internal/debug"
)

// ErrExhausted is returned by a simulated camera that has no frames left.
var ErrExhausted = errors.New("no more frames")

// SimOptions configures the simulated driver.
type SimOptions struct {
	Width    int
	Height   int
	Limit    int           // frames each camera can deliver, 0 = as many as armed
	Interval time.Duration // free-run frame period
	Absent   []string      // serials reported as not connected
}

// SimSystem is a software camera system producing deterministic test patterns.
type SimSystem struct {
	opts SimOptions

	mu       sync.Mutex
	devices  []*SimDevice
	released bool
}

func NewSimSystem(opts SimOptions) *SimSystem {
	if opts.Width <= 0 {
		opts.Width = 64
	}
	if opts.Height <= 0 {
		opts.Height = 48
	}
	return &SimSystem{opts: opts}
}

func (s *SimSystem) Camera(serial string) (Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return nil, errors.New("camera system released")
	}
	for _, a := range s.opts.Absent {
		if a == serial {
			return nil, fmt.Errorf("%w: serial %s", ErrNotFound, serial)
		}
	}
	d := &SimDevice{serial: serial, seed: byte(len(s.devices) * 97), opts: s.opts}
	s.devices = append(s.devices, d)
	return d, nil
}

func (s *SimSystem) Release() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return errors.New("camera system already released")
	}
	for _, d := range s.devices {
		if d.initialized {
			return fmt.Errorf("camera %s still initialized", d.serial)
		}
	}
	s.released = true
	debug.Verbose("Camera system released")
	return nil
}

// SimDevice is one simulated camera.
type SimDevice struct {
	serial string
	seed   byte
	opts   SimOptions

	initialized bool
	armed       int
	next        int
}

func (d *SimDevice) Init() error {
	if d.initialized {
		return fmt.Errorf("camera %s already initialized", d.serial)
	}
	d.initialized = true
	debug.Verbose("Camera %s initialized (sim %dx%d)", d.serial, d.opts.Width, d.opts.Height)
	return nil
}

func (d *SimDevice) Arm(count int) error {
	if !d.initialized {
		return fmt.Errorf("camera %s not initialized", d.serial)
	}
	d.armed = count
	d.next = 0
	return nil
}

func (d *SimDevice) NextFrame(format PixelFormat) (Frame, error) {
	if d.armed == 0 {
		return Frame{}, fmt.Errorf("camera %s not armed", d.serial)
	}
	if d.next >= d.armed || (d.opts.Limit > 0 && d.next >= d.opts.Limit) {
		return Frame{}, fmt.Errorf("camera %s frame %d: %w", d.serial, d.next, ErrExhausted)
	}
	if d.opts.Interval > 0 {
		time.Sleep(d.opts.Interval)
	}
	f := pattern(d.opts.Width, d.opts.Height, format, d.seed+byte(d.next))
	d.next++
	return f, nil
}

func (d *SimDevice) EndAcquisition() error {
	d.armed = 0
	return nil
}

func (d *SimDevice) Deinit() error {
	if !d.initialized {
		return fmt.Errorf("camera %s not initialized", d.serial)
	}
	d.initialized = false
	debug.Verbose("Camera %s deinitialized", d.serial)
	return nil
}

// pattern fills a diagonal gradient shifted by offset.
func pattern(w, h int, format PixelFormat, offset byte) Frame {
	bpp := format.BytesPerPixel()
	pix := make([]byte, w*h*bpp)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			v := byte(x+y) + offset
			i := (y*w + x) * bpp
			if bpp == 2 {
				binary.BigEndian.PutUint16(pix[i:], uint16(v)<<8)
			} else {
				pix[i] = v
			}
		}
	}
	return Frame{Width: w, Height: h, Format: format, Pix: pix}
}
