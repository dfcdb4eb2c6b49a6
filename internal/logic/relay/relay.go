package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"sync"
	"time"

	"github.com/IJSComplexMatter/cross-ddm/internal/debug"
	"github.com/IJSComplexMatter/cross-ddm/internal/hw/camera"
)

// ErrStreamTruncated matches a *TruncatedError.
var ErrStreamTruncated = errors.New("stream truncated")

// TruncatedError reports a stream that ended before the requested count.
type TruncatedError struct {
	Requested int
	Delivered int
	Cause     string // as reported by the worker, may be empty
}

func (e *TruncatedError) Error() string {
	msg := fmt.Sprintf("stream truncated: %d of %d frame pairs delivered", e.Delivered, e.Requested)
	if e.Cause != "" {
		msg += ": " + e.Cause
	}
	return msg
}

func (e *TruncatedError) Unwrap() error { return ErrStreamTruncated }

// Options bounds the parent side of the relay.
type Options struct {
	QueueSize   int           // frame pairs buffered in the parent, default 16
	StopTimeout time.Duration // wait for a finished worker before killing it, default 2s
}

// Relay is the parent side of one worker session. The worker has armed its
// cameras by the time Start returns; no frame is fetched before Frames is ranged.
type Relay struct {
	w         Worker
	opts      Options
	requested int

	frames chan camera.FramePair
	stop   chan struct{}
	done   chan struct{}

	mu        sync.Mutex
	started   bool
	receiving bool
	finished  bool // end message received
	delivered int
	err       error

	closeOnce sync.Once
}

// Start launches a worker, hands it the job and waits until it reports its
// cameras armed. A camera setup failure is returned as *camera.InitError.
func Start(ctx context.Context, l Launcher, job Job, opts Options) (*Relay, error) {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 16
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = 2 * time.Second
	}

	w, err := l.Launch(ctx)
	if err != nil {
		return nil, err
	}
	r := &Relay{
		w:         w,
		opts:      opts,
		requested: job.Capture.Count,
		frames:    make(chan camera.FramePair, opts.QueueSize),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}

	if err := writeMessage(w.In(), message{Kind: kindJob, Job: &job}); err != nil {
		r.abort()
		return nil, err
	}

	type result struct {
		msg message
		err error
	}
	ch := make(chan result, 1)
	go func() {
		msg, err := readMessage(w.Out())
		ch <- result{msg, err}
	}()

	var res result
	select {
	case res = <-ch:
	case <-ctx.Done():
		r.abort()
		return nil, ctx.Err()
	}

	switch {
	case res.err != nil:
		r.abort()
		if errors.Is(res.err, io.EOF) {
			return nil, errors.New("worker exited before arming cameras")
		}
		return nil, res.err
	case res.msg.Kind == kindEnd && res.msg.End != nil:
		r.reap()
		end := res.msg.End
		if end.InitCamera > 0 {
			return nil, &camera.InitError{Camera: end.InitCamera, Serial: end.InitSerial, Err: errors.New(end.Error)}
		}
		return nil, fmt.Errorf("worker setup failed: %s", end.Error)
	case res.msg.Kind != kindReady:
		r.abort()
		return nil, fmt.Errorf("expected ready message, got %q", res.msg.Kind)
	}

	debug.Verbose("Worker ready, cameras armed")
	return r, nil
}

// Frames sends go to the worker and yields pairs in capture order. Breaking
// out of the loop kills the worker. Err reports how the stream ended.
func (r *Relay) Frames(ctx context.Context) iter.Seq[camera.FramePair] {
	return func(yield func(camera.FramePair) bool) {
		r.mu.Lock()
		if r.started {
			r.mu.Unlock()
			r.setErr(errors.New("relay already consumed"))
			return
		}
		r.started = true
		r.mu.Unlock()
		defer r.Close()

		if err := writeMessage(r.w.In(), message{Kind: kindGo}); err != nil {
			r.setErr(err)
			return
		}
		r.mu.Lock()
		r.receiving = true
		r.mu.Unlock()
		go r.receive()

		for {
			select {
			case pair, ok := <-r.frames:
				if !ok {
					return
				}
				r.mu.Lock()
				r.delivered++
				r.mu.Unlock()
				if !yield(pair) {
					debug.Verbose("Consumer stopped after %d frame pairs", r.Delivered())
					return
				}
			case <-ctx.Done():
				r.setErr(ctx.Err())
				return
			}
		}
	}
}

// receive moves messages from the worker into the queue until the end
// message, then waits for the worker to exit before closing the queue.
func (r *Relay) receive() {
	defer close(r.done)
	defer close(r.frames)

	received := 0
	for {
		msg, err := readMessage(r.w.Out())
		if err != nil {
			cause := "worker exited without end message"
			if !errors.Is(err, io.EOF) {
				cause = err.Error()
			}
			select {
			case <-r.stop:
			default:
				r.setErr(&TruncatedError{Requested: r.requested, Delivered: received, Cause: cause})
			}
			return
		}

		switch msg.Kind {
		case kindFrame:
			if msg.Pair == nil {
				continue
			}
			select {
			case r.frames <- *msg.Pair:
				received++
			case <-r.stop:
				return
			}
		case kindEnd:
			r.mu.Lock()
			r.finished = true
			r.mu.Unlock()
			end := msg.End
			if end == nil {
				end = &End{Delivered: received}
			}
			if received < r.requested || end.Error != "" {
				r.setErr(&TruncatedError{Requested: r.requested, Delivered: received, Cause: end.Error})
			}
			debug.Info("Worker finished: %d of %d frame pairs", received, r.requested)
			r.reap()
			return
		default:
			debug.Warn("ignoring unexpected %q message from worker", msg.Kind)
		}
	}
}

// reap waits up to StopTimeout for the worker to exit, then kills it.
func (r *Relay) reap() {
	r.w.In().Close()
	exited := make(chan struct{})
	go func() {
		r.w.Wait()
		close(exited)
	}()
	select {
	case <-exited:
	case <-time.After(r.opts.StopTimeout):
		debug.Warn("worker did not exit within %v, killing it", r.opts.StopTimeout)
		r.w.Kill()
		<-exited
	}
}

// abort kills the worker and waits for it.
func (r *Relay) abort() {
	r.w.In().Close()
	r.w.Kill()
	r.w.Wait()
}

func (r *Relay) setErr(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err == nil {
		r.err = err
	}
}

// Err returns nil after a complete stream, a *TruncatedError when the worker
// delivered fewer pairs than requested, or the error that stopped iteration.
func (r *Relay) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// Delivered returns the number of pairs handed to the consumer.
func (r *Relay) Delivered() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.delivered
}

// Requested returns the frame count of the job.
func (r *Relay) Requested() int { return r.requested }

// Close stops the session. A worker that has not sent its end message is
// killed; one that has is given StopTimeout to exit. Close returns once the
// worker is gone. It is safe to call more than once.
func (r *Relay) Close() error {
	r.closeOnce.Do(func() {
		close(r.stop)
		r.mu.Lock()
		receiving, finished := r.receiving, r.finished
		r.mu.Unlock()

		if !receiving {
			// never got go: closing stdin lets the worker release its cameras
			r.reap()
			return
		}
		if !finished {
			debug.Verbose("Stopping worker before end of stream")
			r.w.Kill()
		}
		<-r.done
		r.w.Wait()
	})
	return nil
}
