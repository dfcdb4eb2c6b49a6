package acquisition

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/IJSComplexMatter/cross-ddm/internal/debug"
	"github.com/IJSComplexMatter/cross-ddm/internal/emitter"
	"github.com/IJSComplexMatter/cross-ddm/internal/hw/camera"
	"github.com/IJSComplexMatter/cross-ddm/internal/hw/trigger"
	"github.com/IJSComplexMatter/cross-ddm/internal/logic/relay"
)

// TriggerLink is the part of *trigger.Link the orchestrator uses.
type TriggerLink interface {
	Start(ctx context.Context, cfg trigger.Config) (string, error)
	Close() error
}

// Connector opens the trigger link. It is only called when triggering is enabled.
type Connector func(ctx context.Context) (TriggerLink, error)

// Options describes one acquisition.
type Options struct {
	TriggerEnabled bool
	Trigger        trigger.Config
	Connect        Connector

	Job      relay.Job
	Launcher relay.Launcher
	Relay    relay.Options

	Publisher     emitter.Publisher // nil = emitter.Nop
	ProgressEvery int               // publish a progress event every N pairs, 0 = never
}

// Session is one running acquisition. Its frames come straight from the
// relay; the session itself buffers nothing.
type Session struct {
	ID string

	relay *relay.Relay
	pub   emitter.Publisher
	every int
	ack   string

	finishOnce sync.Once
}

// Start arms the cameras in a worker and, if triggering is enabled, starts the
// trigger generator before any frame is requested. Setup errors are returned
// here and no frame is ever yielded for them.
func Start(ctx context.Context, opts Options) (*Session, error) {
	s := &Session{ID: uuid.NewString(), pub: opts.Publisher, every: opts.ProgressEvery}
	if s.pub == nil {
		s.pub = emitter.Nop{}
	}
	requested := opts.Job.Capture.Count

	debug.Section("Acquisition " + s.ID)
	debug.Value("frames", requested)
	debug.Value("trigger", opts.TriggerEnabled)

	var link TriggerLink
	if opts.TriggerEnabled {
		if err := opts.Trigger.Validate(); err != nil {
			s.publish(emitter.KindFailed, 0, requested, err.Error())
			return nil, err
		}
		if opts.Connect == nil {
			err := errors.New("trigger enabled but no trigger connector configured")
			s.publish(emitter.KindFailed, 0, requested, err.Error())
			return nil, err
		}
		var err error
		if link, err = opts.Connect(ctx); err != nil {
			s.publish(emitter.KindFailed, 0, requested, err.Error())
			return nil, fmt.Errorf("connect trigger: %w", err)
		}
		defer link.Close()
	}

	r, err := relay.Start(ctx, opts.Launcher, opts.Job, opts.Relay)
	if err != nil {
		s.publish(emitter.KindFailed, 0, requested, err.Error())
		return nil, err
	}
	s.relay = r
	s.publish(emitter.KindArmed, 0, requested, "")

	if link != nil {
		ack, err := link.Start(ctx, opts.Trigger)
		if err != nil {
			r.Close()
			s.publish(emitter.KindFailed, 0, requested, err.Error())
			return nil, fmt.Errorf("start trigger: %w", err)
		}
		s.ack = ack
		s.publish(emitter.KindTriggered, 0, requested, ack)
	} else {
		debug.Info("Free-run capture, trigger not used")
	}
	return s, nil
}

// Ack returns the trigger generator's acknowledgment, empty in free-run mode.
func (s *Session) Ack() string { return s.ack }

// Requested returns the number of frame pairs asked for.
func (s *Session) Requested() int { return s.relay.Requested() }

// Delivered returns the number of frame pairs yielded so far.
func (s *Session) Delivered() int { return s.relay.Delivered() }

// Frames yields the frame pairs in capture order. It can be ranged once.
func (s *Session) Frames(ctx context.Context) iter.Seq[camera.FramePair] {
	return func(yield func(camera.FramePair) bool) {
		defer s.finish()
		for pair := range s.relay.Frames(ctx) {
			if !yield(pair) {
				return
			}
			n := pair.Index + 1
			if s.every > 0 && n%s.every == 0 && n < s.relay.Requested() {
				s.publish(emitter.KindProgress, n, s.relay.Requested(), "")
			}
		}
	}
}

// finish publishes the terminal event once the stream is over.
func (s *Session) finish() {
	s.finishOnce.Do(s.report)
}

func (s *Session) report() {
	s.relay.Close()

	delivered, requested := s.relay.Delivered(), s.relay.Requested()
	err := s.relay.Err()
	switch {
	case err == nil && delivered == requested:
		debug.Info("Acquisition %s complete: %d frame pairs", s.ID, delivered)
		s.publish(emitter.KindCompleted, delivered, requested, "")
	case err == nil:
		debug.Info("Acquisition %s stopped by consumer after %d of %d frame pairs", s.ID, delivered, requested)
		s.publish(emitter.KindTruncated, delivered, requested, "stopped by consumer")
	default:
		debug.Warn("Acquisition %s ended early: %v", s.ID, err)
		s.publish(emitter.KindTruncated, delivered, requested, err.Error())
	}
}

// Err reports how the stream ended. See relay.Relay.Err.
func (s *Session) Err() error { return s.relay.Err() }

// Close stops the worker. It is safe to call at any time, more than once.
func (s *Session) Close() error {
	s.finish()
	return nil
}

func (s *Session) publish(kind emitter.Kind, frames, requested int, msg string) {
	ev := emitter.Event{Session: s.ID, Kind: kind, Frames: frames, Requested: requested, Message: msg, Time: time.Now()}
	if err := s.pub.Publish(ev); err != nil {
		debug.Warn("publish %s event: %v", kind, err)
	}
}
