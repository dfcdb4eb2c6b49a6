package relay

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/IJSComplexMatter/cross-ddm/internal/hw/camera"
	"github.com/IJSComplexMatter/cross-ddm/internal/logic/capture"
)

const helperEnv = "CDDM_WANT_HELPER_PROCESS"

// TestHelperProcess is the worker process for the process launcher tests.
func TestHelperProcess(t *testing.T) {
	mode := os.Getenv(helperEnv)
	if mode == "" {
		return
	}
	if mode == "crash" {
		// arm, accept go, then die without an end message
		if _, err := readMessage(os.Stdin); err != nil {
			os.Exit(2)
		}
		writeMessage(os.Stdout, message{Kind: kindReady})
		readMessage(os.Stdin)
		os.Exit(3)
	}
	if err := Serve(context.Background(), os.Stdin, os.Stdout, nil); err != nil {
		os.Stderr.WriteString(err.Error() + "\n")
		os.Exit(1)
	}
	os.Exit(0)
}

func helperLauncher(mode string) ProcessLauncher {
	return ProcessLauncher{
		Path: os.Args[0],
		Args: []string{"-test.run=^TestHelperProcess$", "--"},
		Env:  []string{helperEnv + "=" + mode},
	}
}

func simJob(count int, sim camera.SimOptions) Job {
	sim.Width, sim.Height = 8, 4
	return Job{
		Camera:  camera.Settings{Driver: "sim", Sim: sim},
		Capture: capture.Options{Cam1Serial: "S1", Cam2Serial: "S2", Count: count, Format: camera.Mono8},
	}
}

func collect(t *testing.T, r *Relay, stopAfter int) []camera.FramePair {
	t.Helper()
	var got []camera.FramePair
	for p := range r.Frames(context.Background()) {
		got = append(got, p)
		if stopAfter > 0 && len(got) == stopAfter {
			break
		}
	}
	return got
}

// countingSystem wraps a sim system and counts Release calls.
type countingSystem struct {
	camera.System
	mu       sync.Mutex
	releases int
}

func (c *countingSystem) Release() error {
	c.mu.Lock()
	c.releases++
	c.mu.Unlock()
	return c.System.Release()
}

func (c *countingSystem) released() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.releases
}

func countingFactory() (SystemFactory, *countingSystem) {
	cs := &countingSystem{}
	return func(s camera.Settings) (camera.System, error) {
		sys, err := camera.NewSystem(s)
		if err != nil {
			return nil, err
		}
		cs.System = sys
		return cs, nil
	}, cs
}

func TestRelay_Complete(t *testing.T) {
	launchers := map[string]Launcher{
		"goroutine": GoroutineLauncher{},
		"process":   helperLauncher("serve"),
	}
	for name, l := range launchers {
		t.Run(name, func(t *testing.T) {
			r, err := Start(context.Background(), l, simJob(5, camera.SimOptions{}), Options{QueueSize: 2})
			if err != nil {
				t.Fatalf("Start: %v", err)
			}
			got := collect(t, r, 0)
			if len(got) != 5 {
				t.Fatalf("got %d pairs, want 5", len(got))
			}
			for i, p := range got {
				if p.Index != i {
					t.Errorf("pair %d has index %d", i, p.Index)
				}
				if len(p.Cam1.Pix) != 32 || len(p.Cam2.Pix) != 32 {
					t.Errorf("pair %d: frame sizes %d/%d", i, len(p.Cam1.Pix), len(p.Cam2.Pix))
				}
			}
			if err := r.Err(); err != nil {
				t.Errorf("Err() = %v", err)
			}
			if r.Delivered() != 5 {
				t.Errorf("Delivered() = %d", r.Delivered())
			}
		})
	}
}

func TestRelay_Truncated(t *testing.T) {
	r, err := Start(context.Background(), GoroutineLauncher{}, simJob(5, camera.SimOptions{Limit: 3}), Options{})
	if err != nil {
		t.Fatal(err)
	}
	got := collect(t, r, 0)
	if len(got) != 3 {
		t.Fatalf("got %d pairs, want 3", len(got))
	}

	var te *TruncatedError
	if !errors.As(r.Err(), &te) {
		t.Fatalf("Err() = %v, want *TruncatedError", r.Err())
	}
	if !errors.Is(r.Err(), ErrStreamTruncated) {
		t.Error("TruncatedError does not match ErrStreamTruncated")
	}
	if te.Requested != 5 || te.Delivered != 3 {
		t.Errorf("TruncatedError = %+v", te)
	}
	if !strings.Contains(te.Cause, "no more frames") {
		t.Errorf("cause = %q", te.Cause)
	}
}

func TestRelay_WorkerCrash(t *testing.T) {
	r, err := Start(context.Background(), helperLauncher("crash"), simJob(4, camera.SimOptions{}), Options{})
	if err != nil {
		t.Fatal(err)
	}
	if got := collect(t, r, 0); len(got) != 0 {
		t.Errorf("got %d pairs from a crashed worker", len(got))
	}
	if !errors.Is(r.Err(), ErrStreamTruncated) {
		t.Errorf("Err() = %v, want ErrStreamTruncated", r.Err())
	}
}

func TestRelay_InitError(t *testing.T) {
	launchers := map[string]Launcher{
		"goroutine": GoroutineLauncher{},
		"process":   helperLauncher("serve"),
	}
	for name, l := range launchers {
		t.Run(name, func(t *testing.T) {
			_, err := Start(context.Background(), l, simJob(3, camera.SimOptions{Absent: []string{"S2"}}), Options{})
			var ie *camera.InitError
			if !errors.As(err, &ie) {
				t.Fatalf("err = %v, want *camera.InitError", err)
			}
			if ie.Camera != 2 || ie.Serial != "S2" {
				t.Errorf("InitError = %+v", ie)
			}
		})
	}
}

func TestRelay_AbandonStopsWorker(t *testing.T) {
	t.Run("goroutine", func(t *testing.T) {
		factory, sys := countingFactory()
		r, err := Start(context.Background(), GoroutineLauncher{NewSystem: factory}, simJob(1000, camera.SimOptions{}), Options{QueueSize: 1})
		if err != nil {
			t.Fatal(err)
		}
		if got := collect(t, r, 2); len(got) != 2 {
			t.Fatalf("got %d pairs", len(got))
		}
		// Frames closed the relay on break; the worker goroutine is gone.
		if sys.released() != 1 {
			t.Errorf("camera system released %d times, want 1", sys.released())
		}
		if r.Err() != nil {
			t.Errorf("Err() = %v, abandoning is not an error", r.Err())
		}
	})

	t.Run("process", func(t *testing.T) {
		r, err := Start(context.Background(), helperLauncher("serve"), simJob(100000, camera.SimOptions{}), Options{QueueSize: 1})
		if err != nil {
			t.Fatal(err)
		}
		start := time.Now()
		if got := collect(t, r, 2); len(got) != 2 {
			t.Fatalf("got %d pairs", len(got))
		}
		if d := time.Since(start); d > 10*time.Second {
			t.Errorf("abandon took %v", d)
		}
		pw := r.w.(*processWorker)
		if err := pw.cmd.Process.Signal(os.Interrupt); !errors.Is(err, os.ErrProcessDone) {
			t.Errorf("worker process still alive after Close (signal err = %v)", err)
		}
	})
}

// fetchCounter counts NextFrame calls across the devices of a system.
type fetchCounter struct {
	camera.System
	fetched *atomic.Int64
}

func (f fetchCounter) Camera(serial string) (camera.Device, error) {
	d, err := f.System.Camera(serial)
	if err != nil {
		return nil, err
	}
	return countedDevice{Device: d, fetched: f.fetched}, nil
}

type countedDevice struct {
	camera.Device
	fetched *atomic.Int64
}

func (d countedDevice) NextFrame(format camera.PixelFormat) (camera.Frame, error) {
	d.fetched.Add(1)
	return d.Device.NextFrame(format)
}

func TestRelay_SlowConsumerBlocksWorker(t *testing.T) {
	var fetched atomic.Int64
	factory := func(s camera.Settings) (camera.System, error) {
		sys, err := camera.NewSystem(s)
		if err != nil {
			return nil, err
		}
		return fetchCounter{System: sys, fetched: &fetched}, nil
	}
	r, err := Start(context.Background(), GoroutineLauncher{NewSystem: factory}, simJob(1000, camera.SimOptions{}), Options{QueueSize: 2})
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	for range r.Frames(context.Background()) {
		// stall after the first pair
		time.Sleep(200 * time.Millisecond)
		break
	}
	// queue (2) + one pair held by the receiver + one in the pipe write + one
	// being fetched, two frames each
	if n := fetched.Load(); n > 12 {
		t.Errorf("worker fetched %d frames while the consumer stalled, want a bounded lead", n)
	}
}

func TestRelay_CloseBeforeFrames(t *testing.T) {
	factory, sys := countingFactory()
	r, err := Start(context.Background(), GoroutineLauncher{NewSystem: factory}, simJob(3, camera.SimOptions{}), Options{})
	if err != nil {
		t.Fatal(err)
	}
	r.Close()
	r.Close()
	if sys.released() != 1 {
		t.Errorf("camera system released %d times, want 1", sys.released())
	}
	for range r.Frames(context.Background()) {
		t.Fatal("closed relay yielded a pair")
	}
}

func TestRelay_ContextCancel(t *testing.T) {
	r, err := Start(context.Background(), GoroutineLauncher{}, simJob(1000, camera.SimOptions{Interval: time.Millisecond}), Options{})
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	n := 0
	for range r.Frames(ctx) {
		n++
		if n == 3 {
			cancel()
		}
	}
	if !errors.Is(r.Err(), context.Canceled) {
		t.Errorf("Err() = %v, want context.Canceled", r.Err())
	}
}

func TestWire_RoundTrip(t *testing.T) {
	var buf bytes.Buffer
	pair := camera.FramePair{Index: 7, Cam1: camera.Frame{Width: 1, Height: 1, Format: camera.Mono8, Pix: []byte{9}}}
	if err := writeMessage(&buf, message{Kind: kindFrame, Pair: &pair}); err != nil {
		t.Fatal(err)
	}
	if err := writeMessage(&buf, message{Kind: kindEnd, End: &End{Delivered: 1}}); err != nil {
		t.Fatal(err)
	}

	msg, err := readMessage(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if msg.Kind != kindFrame || msg.Pair == nil || msg.Pair.Index != 7 || msg.Pair.Cam1.Pix[0] != 9 {
		t.Errorf("frame message = %+v", msg)
	}
	msg, err = readMessage(&buf)
	if err != nil || msg.Kind != kindEnd || msg.End.Delivered != 1 {
		t.Errorf("end message = %+v, err %v", msg, err)
	}
	if _, err := readMessage(&buf); err == nil || err.Error() != "EOF" {
		t.Errorf("empty stream err = %v, want EOF", err)
	}
}

func TestWire_RejectsOversize(t *testing.T) {
	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], maxMessageBytes+1)
	if _, err := readMessage(bytes.NewReader(prefix[:])); err == nil {
		t.Error("oversize message accepted")
	}
}

func TestWire_TruncatedBody(t *testing.T) {
	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], 10)
	data := append(prefix[:], 1, 2, 3)
	_, err := readMessage(bytes.NewReader(data))
	if err == nil || errors.Is(err, io.EOF) {
		t.Errorf("err = %v, want a truncated-body error", err)
	}
}
