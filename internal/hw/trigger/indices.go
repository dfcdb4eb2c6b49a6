package trigger

import (
	"bufio"
	"fmt"
	"os"
)

// Indices converts trigger times to frame-slot indices (t // deltaT).
func Indices(micros []uint32, deltaT uint32) []uint32 {
	out := make([]uint32, len(micros))
	if deltaT == 0 {
		return out
	}
	for i, t := range micros {
		out[i] = t / deltaT
	}
	return out
}

// WriteIndexFile writes one index per line to path.
func WriteIndexFile(path string, micros []uint32, deltaT uint32) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	w := bufio.NewWriter(f)
	for _, idx := range Indices(micros, deltaT) {
		fmt.Fprintf(w, "%d\n", idx)
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	return f.Close()
}
