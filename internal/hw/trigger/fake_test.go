package trigger

import (
	"bytes"
	"sync"
	"time"
)

// fakeBoard emulates the trigger firmware behind a Port.
// Reads drain out in chunks of at most chunk bytes; an empty queue reads as a timeout.
type fakeBoard struct {
	mu       sync.Mutex
	banner   string
	rev      Revision
	records  []Timestamp
	tail     []byte // appended after the records (e.g. a partial record)
	ack      bool
	chunk    int
	out      bytes.Buffer
	commands []Command
	closed   int
	timeout  time.Duration
}

func newFakeBoard() *fakeBoard {
	return &fakeBoard{banner: Identity + " v2.1", rev: Revision2, ack: true, chunk: 7}
}

func (f *fakeBoard) opener() Opener {
	return func(name string, baud int) (Port, error) {
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.banner != "" {
			f.out.WriteString(f.banner + "\r\n")
		}
		return f, nil
	}
}

func (f *fakeBoard) Read(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := len(p)
	if f.chunk > 0 && n > f.chunk {
		n = f.chunk
	}
	if f.out.Len() == 0 {
		return 0, nil
	}
	return f.out.Read(p[:n])
}

func (f *fakeBoard) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cmd, err := DecodeCommand(f.rev, p)
	if err != nil {
		return 0, err
	}
	f.commands = append(f.commands, cmd)
	if !f.ack {
		return len(p), nil
	}
	if cmd.Run {
		f.out.WriteString("Triggering started\n")
		return len(p), nil
	}
	f.out.WriteString("Simulating\n")
	for _, r := range f.records {
		f.out.Write(EncodeRecord(r))
	}
	f.out.Write(f.tail)
	return len(p), nil
}

func (f *fakeBoard) SetReadTimeout(t time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.timeout = t
	return nil
}

func (f *fakeBoard) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
	return nil
}
