package tpmlog

import (
	"errors"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/moby/sys/atomicwriter"
)

// Cursor persists how far the verifier has queried.
type Cursor interface {
	// Load returns the last persisted position, 0 when none exists.
	Load() (float64, error)
	// Store persists t if it is ahead of the current position.
	Store(t float64) error
}

// FileCursor keeps the position as a decimal Unix timestamp in one file,
// replaced atomically on every store.
type FileCursor struct {
	path string
	mu   sync.Mutex
	last float64
}

// NewFileCursor returns a cursor backed by path.
func NewFileCursor(path string) *FileCursor {
	return &FileCursor{path: path}
}

// Load reads the file. A missing file means 0; unparsable content is an error.
func (c *FileCursor) Load() (float64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	data, err := os.ReadFile(c.path)
	if errors.Is(err, os.ErrNotExist) {
		return c.last, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read cursor: %w", err)
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(string(data)), 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
		return 0, fmt.Errorf("corrupt cursor file %s: %q", c.path, strings.TrimSpace(string(data)))
	}
	c.last = max(c.last, v)
	return c.last, nil
}

// Store writes t unless it would move the cursor backwards.
func (c *FileCursor) Store(t float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if t <= c.last {
		return nil
	}
	data := strconv.FormatFloat(t, 'f', -1, 64) + "\n"
	if err := atomicwriter.WriteFile(c.path, []byte(data), 0600); err != nil {
		return fmt.Errorf("write cursor: %w", err)
	}
	c.last = t
	return nil
}

// MemoryCursor is a Cursor kept in memory.
type MemoryCursor struct {
	mu   sync.Mutex
	last float64
}

// Load returns the current position.
func (c *MemoryCursor) Load() (float64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last, nil
}

// Store advances the position.
func (c *MemoryCursor) Store(t float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.last = max(c.last, t)
	return nil
}
