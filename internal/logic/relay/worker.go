package relay

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/IJSComplexMatter/cross-ddm/internal/debug"
	"github.com/IJSComplexMatter/cross-ddm/internal/hw/camera"
	"github.com/IJSComplexMatter/cross-ddm/internal/logic/capture"
)

// SystemFactory opens a camera system for a job. nil means camera.NewSystem.
type SystemFactory func(camera.Settings) (camera.System, error)

// Serve is the worker side. It reads one job from r, arms the cameras, reports
// ready, waits for go, then streams frame pairs to w and finishes with exactly
// one end message. Capture errors are reported in that message, not returned.
func Serve(ctx context.Context, r io.Reader, w io.Writer, newSystem SystemFactory) error {
	if newSystem == nil {
		newSystem = camera.NewSystem
	}

	msg, err := readMessage(r)
	if err != nil {
		return fmt.Errorf("read job: %w", err)
	}
	if msg.Kind != kindJob || msg.Job == nil {
		return fmt.Errorf("expected job message, got %q", msg.Kind)
	}
	job := *msg.Job
	debug.PrintStruct("Job", job.Capture)

	sys, err := newSystem(job.Camera)
	if err != nil {
		end := &End{Error: err.Error()}
		return errors.Join(err, writeMessage(w, message{Kind: kindEnd, End: end}))
	}
	loop, err := capture.Open(sys, job.Capture)
	if err != nil {
		end := &End{Error: err.Error()}
		var ie *camera.InitError
		if errors.As(err, &ie) {
			end.InitCamera, end.InitSerial, end.Error = ie.Camera, ie.Serial, ie.Err.Error()
		}
		return errors.Join(err, writeMessage(w, message{Kind: kindEnd, End: end}))
	}
	defer loop.Close()

	if err := writeMessage(w, message{Kind: kindReady}); err != nil {
		return err
	}
	msg, err = readMessage(r)
	if err != nil {
		if errors.Is(err, io.EOF) {
			debug.Verbose("Parent closed before go, releasing cameras")
			return nil
		}
		return fmt.Errorf("wait for go: %w", err)
	}
	if msg.Kind != kindGo {
		return fmt.Errorf("expected go message, got %q", msg.Kind)
	}

	// Stop fetching if the parent hangs up.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		for {
			if _, err := readMessage(r); err != nil {
				cancel()
				return
			}
		}
	}()

	delivered := 0
	var writeErr error
	for pair := range loop.Frames(ctx) {
		if delivered >= job.Capture.Count {
			break
		}
		if writeErr = writeMessage(w, message{Kind: kindFrame, Pair: &pair}); writeErr != nil {
			break
		}
		delivered++
	}
	if writeErr != nil {
		return fmt.Errorf("parent stopped reading after %d frame pairs: %w", delivered, writeErr)
	}

	end := &End{Delivered: delivered}
	if err := loop.Err(); err != nil {
		end.Error = err.Error()
		debug.Warn("Capture ended early after %d of %d frame pairs: %v", delivered, job.Capture.Count, err)
	}
	if err := loop.Close(); err != nil {
		debug.Warn("camera cleanup: %v", err)
	}
	return writeMessage(w, message{Kind: kindEnd, End: end})
}
