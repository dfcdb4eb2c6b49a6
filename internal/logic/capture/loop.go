package capture

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync"

	"github.com/IJSComplexMatter/cross-ddm/internal/debug"
	"github.com/IJSComplexMatter/cross-ddm/internal/hw/camera"
)

// ErrConsumed is reported when Frames is ranged over a second time.
var ErrConsumed = errors.New("capture loop already consumed")

// Options describes one acquisition on a camera pair.
type Options struct {
	Cam1Serial string
	Cam2Serial string
	Count      int
	Format     camera.PixelFormat
}

// Loop pulls frame pairs from two armed cameras. Frames may be ranged over
// once; the cameras and the system handle are released exactly once, when the
// iteration ends or on Close, whichever comes first.
type Loop struct {
	sys  camera.System
	devs [2]camera.Device
	opts Options

	mu        sync.Mutex
	started   bool
	delivered int
	err       error

	closeOnce sync.Once
	closeErr  error
}

// Open initializes and arms both cameras. If either fails, everything already
// opened is released and a *camera.InitError names the failing camera.
func Open(sys camera.System, opts Options) (*Loop, error) {
	if opts.Count <= 0 {
		return nil, fmt.Errorf("frame count must be > 0, got %d", opts.Count)
	}
	if opts.Format == "" {
		opts.Format = camera.Mono8
	}

	l := &Loop{sys: sys, opts: opts}
	serials := [2]string{opts.Cam1Serial, opts.Cam2Serial}
	var ready [2]bool

	for i, serial := range serials {
		debug.Step(i+1, fmt.Sprintf("Arming camera %d (serial %s)", i+1, serial))
		dev, err := sys.Camera(serial)
		if err == nil {
			if err = dev.Init(); err == nil {
				l.devs[i] = dev
				err = dev.Arm(opts.Count)
			}
		}
		if err != nil {
			initErr := &camera.InitError{Camera: i + 1, Serial: serial, Err: err}
			debug.Error(initErr)
			for j := range i {
				if ready[j] {
					release(l.devs[j], j+1)
				}
			}
			if l.devs[i] != nil {
				release(l.devs[i], i+1)
			}
			if rerr := sys.Release(); rerr != nil {
				debug.Warn("release camera system: %v", rerr)
			}
			return nil, initErr
		}
		ready[i] = true
	}

	debug.Info("Cameras armed for %d frames (%s)", opts.Count, opts.Format)
	return l, nil
}

// Frames yields exactly Count pairs unless a camera fails or ctx is done.
// A failure ends the sequence; Err reports it afterwards.
func (l *Loop) Frames(ctx context.Context) iter.Seq[camera.FramePair] {
	return func(yield func(camera.FramePair) bool) {
		l.mu.Lock()
		if l.started {
			l.mu.Unlock()
			l.setErr(ErrConsumed)
			return
		}
		l.started = true
		l.mu.Unlock()
		defer l.Close()

		for i := 0; i < l.opts.Count; i++ {
			if err := ctx.Err(); err != nil {
				l.fail(i, err)
				return
			}
			pair := camera.FramePair{Index: i}
			var err error
			if pair.Cam1, err = l.devs[0].NextFrame(l.opts.Format); err != nil {
				l.fail(i, fmt.Errorf("camera 1: %w", err))
				return
			}
			if pair.Cam2, err = l.devs[1].NextFrame(l.opts.Format); err != nil {
				l.fail(i, fmt.Errorf("camera 2: %w", err))
				return
			}
			debug.Frame(i, l.opts.Count)

			l.mu.Lock()
			l.delivered++
			l.mu.Unlock()
			if !yield(pair) {
				debug.Verbose("Capture stopped by consumer after %d frame pairs", i+1)
				return
			}
		}
	}
}

func (l *Loop) fail(index int, err error) {
	err = fmt.Errorf("frame %d: %w", index, err)
	debug.Error(err)
	l.setErr(err)
}

func (l *Loop) setErr(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err == nil {
		l.err = err
	}
}

// Err returns the error that ended the sequence early, or nil.
func (l *Loop) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

// Delivered returns the number of pairs yielded so far.
func (l *Loop) Delivered() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.delivered
}

// Count returns the requested number of frame pairs.
func (l *Loop) Count() int { return l.opts.Count }

// Close ends acquisition, deinitializes both cameras, then releases the
// system handle. Only the first call does anything.
func (l *Loop) Close() error {
	l.closeOnce.Do(func() {
		var errs []error
		for i, dev := range l.devs {
			if err := release(dev, i+1); err != nil {
				errs = append(errs, err)
			}
		}
		if err := l.sys.Release(); err != nil {
			errs = append(errs, fmt.Errorf("release camera system: %w", err))
		}
		l.closeErr = errors.Join(errs...)
		debug.Verbose("Capture loop closed (%d frame pairs delivered)", l.Delivered())
	})
	return l.closeErr
}

func release(dev camera.Device, n int) error {
	var errs []error
	if err := dev.EndAcquisition(); err != nil {
		errs = append(errs, fmt.Errorf("camera %d end acquisition: %w", n, err))
	}
	if err := dev.Deinit(); err != nil {
		errs = append(errs, fmt.Errorf("camera %d deinit: %w", n, err))
	}
	err := errors.Join(errs...)
	if err != nil {
		debug.Warn("%v", err)
	}
	return err
}
