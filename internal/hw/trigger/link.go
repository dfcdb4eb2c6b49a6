package trigger

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/schollz/progressbar/v3"

	"github.com/IJSComplexMatter/cross-ddm/internal/debug"
)

// maxLineBytes bounds a text line from the firmware; anything longer is not an acknowledgment.
const maxLineBytes = 512

// State is the lifecycle state of a Link.
type State int

const (
	StateClosed State = iota
	StateIdentifying
	StateOpen
	StateStarting
	StateReading
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateIdentifying:
		return "identifying"
	case StateOpen:
		return "open"
	case StateStarting:
		return "starting"
	case StateReading:
		return "reading"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Options configures discovery and the exchanges on a Link.
type Options struct {
	Baud        int           // default 115200
	ReadTimeout time.Duration // default 2s
	Settle      time.Duration // wait after identification before the first command
	Revision    Revision      // default Revision2
	Open        Opener        // default OpenSerial
	Progress    io.Writer     // read-back progress bar output, nil = none
}

func (o Options) withDefaults() Options {
	if o.Baud <= 0 {
		o.Baud = 115200
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = 2 * time.Second
	}
	if o.Revision == 0 {
		o.Revision = Revision2
	}
	if o.Open == nil {
		o.Open = OpenSerial
	}
	if o.Progress == nil {
		o.Progress = io.Discard
	}
	return o
}

// Link is an open connection to the trigger microcontroller.
// Exchanges are serialized: a second Start or ReadTimestamps while one is
// running fails with ErrBusy.
type Link struct {
	mu      sync.Mutex
	port    Port
	name    string
	banner  string
	state   State
	pending []byte
	opts    Options
}

// Discover tries each candidate port and returns a Link to the first one whose
// banner starts with Identity. With no candidates the system ports are listed.
func Discover(ctx context.Context, candidates []string, opts Options) (*Link, error) {
	opts = opts.withDefaults()
	if len(candidates) == 0 {
		names, err := ListPorts()
		if err != nil {
			return nil, err
		}
		candidates = names
	}
	if len(candidates) == 0 {
		return nil, ErrNoDeviceFound
	}

	var unknown []string
	for _, name := range candidates {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		l, err := open(name, opts)
		if err == nil {
			debug.Info("Trigger found on port %q: %s", name, l.banner)
			if err := sleepCtx(ctx, opts.Settle); err != nil {
				l.Close()
				return nil, err
			}
			return l, nil
		}
		var idErr *identityError
		if errors.As(err, &idErr) {
			unknown = append(unknown, fmt.Sprintf("%s: %q", name, idErr.banner))
		}
		debug.Verbose("port %s rejected: %v", name, err)
	}

	if len(unknown) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDevice, strings.Join(unknown, ", "))
	}
	return nil, ErrNoDeviceFound
}

type identityError struct {
	banner string
}

func (e *identityError) Error() string {
	return fmt.Sprintf("unknown device %q", e.banner)
}

// open opens one port and checks its banner.
func open(name string, opts Options) (*Link, error) {
	port, err := opts.Open(name, opts.Baud)
	if err != nil {
		return nil, err
	}
	if err := port.SetReadTimeout(opts.ReadTimeout); err != nil {
		port.Close()
		return nil, fmt.Errorf("set read timeout on %s: %w", name, err)
	}

	l := &Link{port: port, name: name, state: StateIdentifying, opts: opts}
	line, err := l.readLine()
	if err != nil {
		port.Close()
		return nil, err
	}
	if line == "" {
		port.Close()
		return nil, fmt.Errorf("no banner from %s", name)
	}
	if !strings.HasPrefix(line, Identity) {
		port.Close()
		return nil, &identityError{banner: line}
	}
	l.banner = line
	l.state = StateOpen
	return l, nil
}

// Name returns the port name.
func (l *Link) Name() string { return l.name }

// Banner returns the identity line the firmware printed.
func (l *Link) Banner() string { return l.banner }

// State returns the current lifecycle state.
func (l *Link) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// begin moves the link from Open into an exchange state.
func (l *Link) begin(s State) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	switch l.state {
	case StateOpen:
		l.state = s
		return nil
	case StateClosed:
		return ErrClosed
	default:
		return fmt.Errorf("%w: link is %s", ErrBusy, l.state)
	}
}

func (l *Link) end() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != StateClosed {
		l.state = StateOpen
	}
}

// Start sends the configuration with the run flag set and waits for the
// firmware's one-line acknowledgment, which it returns.
func (l *Link) Start(ctx context.Context, cfg Config) (string, error) {
	if err := l.begin(StateStarting); err != nil {
		return "", err
	}
	defer l.end()

	ack, err := l.exchange(ctx, Command{Run: true, Config: cfg})
	if err != nil {
		return "", err
	}
	debug.Info("Trigger started: %s", ack)
	return ack, nil
}

// ReadTimestamps asks the firmware to simulate cfg and decodes the records it
// streams back until a read returns no data. cfg.Count only sizes the progress
// bar; it never stops the loop. Records received before a read error are
// returned together with the error.
func (l *Link) ReadTimestamps(ctx context.Context, cfg Config) ([]Timestamp, error) {
	if err := l.begin(StateReading); err != nil {
		return nil, err
	}
	defer l.end()

	ack, err := l.exchange(ctx, Command{Run: false, Config: cfg})
	if err != nil {
		return nil, err
	}
	debug.Info("Reading trigger times: %s", ack)

	bar := progressbar.NewOptions(int(cfg.Count),
		progressbar.OptionSetWriter(l.opts.Progress),
		progressbar.OptionSetDescription("trigger times"),
		progressbar.OptionShowCount(),
		progressbar.OptionThrottle(100*time.Millisecond),
	)
	defer bar.Finish()

	records := make([]Timestamp, 0, cfg.Count)
	rec := make([]byte, 0, RecordSize)
	buf := make([]byte, 256*RecordSize)
	skipped := 0

	// bytes left over from the acknowledgment line
	pending := l.pending
	l.pending = nil

	for {
		if err := ctx.Err(); err != nil {
			return records, err
		}

		var chunk []byte
		if len(pending) > 0 {
			chunk, pending = pending, nil
		} else {
			n, err := l.port.Read(buf)
			if n == 0 {
				if err != nil && !errors.Is(err, io.EOF) {
					return records, fmt.Errorf("read trigger records: %w", err)
				}
				break
			}
			chunk = buf[:n]
		}

		for len(chunk) > 0 {
			take := RecordSize - len(rec)
			if take > len(chunk) {
				take = len(chunk)
			}
			rec = append(rec, chunk[:take]...)
			chunk = chunk[take:]
			if len(rec) < RecordSize {
				continue
			}
			ts := DecodeRecord(rec)
			rec = rec[:0]
			debug.Record(byte(ts.Channel), ts.Micros)
			switch ts.Channel {
			case Both, Camera1:
				records = append(records, ts)
				_ = bar.Add(1)
			case Camera2:
				records = append(records, ts)
			default:
				skipped++
			}
		}
	}

	if len(rec) > 0 {
		debug.Warn("discarding %d trailing bytes of an incomplete trigger record", len(rec))
	}
	if skipped > 0 {
		debug.Warn("skipped %d trigger records with an unknown channel tag", skipped)
	}
	debug.Info("Received %d trigger records (%d expected per camera)", len(records), cfg.Count)
	return records, nil
}

// exchange writes one command frame and reads the acknowledgment line.
func (l *Link) exchange(ctx context.Context, cmd Command) (string, error) {
	frame, err := EncodeCommand(l.opts.Revision, cmd)
	if err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	debug.Wire("tx", frame)
	if _, err := l.port.Write(frame); err != nil {
		return "", fmt.Errorf("write trigger command: %w", err)
	}
	ack, err := l.readLine()
	if err != nil {
		return "", err
	}
	if ack == "" {
		return "", fmt.Errorf("%w: no acknowledgment from %s", ErrProtocol, l.name)
	}
	return ack, nil
}

// readLine reads up to and including '\n'. It returns "" if a read times out
// before a newline arrives. Bytes after the newline are kept for the next read.
func (l *Link) readLine() (string, error) {
	var line []byte
	buf := make([]byte, 64)
	for {
		if i := bytes.IndexByte(l.pending, '\n'); i >= 0 {
			line = append(line, l.pending[:i]...)
			l.pending = l.pending[i+1:]
			debug.Wire("rx", line)
			return strings.TrimSpace(string(line)), nil
		}
		line = append(line, l.pending...)
		l.pending = nil
		if len(line) > maxLineBytes {
			return "", fmt.Errorf("%w: line longer than %d bytes", ErrProtocol, maxLineBytes)
		}

		n, err := l.port.Read(buf)
		if n == 0 {
			if err != nil && !errors.Is(err, io.EOF) {
				return "", fmt.Errorf("read line: %w", err)
			}
			// timeout: an unterminated line is still an answer
			return strings.TrimSpace(string(line)), nil
		}
		l.pending = append(l.pending, buf[:n]...)
	}
}

// Close releases the serial port. It is safe to call more than once.
func (l *Link) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == StateClosed {
		return nil
	}
	l.state = StateClosed
	l.pending = nil
	debug.Verbose("Closing trigger port %s", l.name)
	return l.port.Close()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
