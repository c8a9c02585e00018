package log

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"
)

const dateLayout = "2006-01-02"

// FileWriter appends to <dir>/<prefix>-YYYY-MM-DD.jsonl, switching files at
// midnight and pointing <dir>/latest at the current one.
type FileWriter struct {
	dir      string
	prefix   string
	now      func() time.Time
	mu       sync.Mutex
	file     *os.File
	currDate string
}

// NewFileWriter opens today's file in dir.
func NewFileWriter(dir, prefix string) (*FileWriter, error) {
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("creating log dir: %w", err)
	}

	fw := &FileWriter{dir: dir, prefix: prefix, now: time.Now}
	fw.mu.Lock()
	defer fw.mu.Unlock()
	if err := fw.rotateLocked(); err != nil {
		return nil, err
	}
	return fw, nil
}

func (fw *FileWriter) fileName(date string) string {
	return fw.prefix + "-" + date + ".jsonl"
}

// Write implements io.Writer.
func (fw *FileWriter) Write(p []byte) (n int, err error) {
	fw.mu.Lock()
	defer fw.mu.Unlock()

	if fw.now().Format(dateLayout) != fw.currDate {
		if err := fw.rotateLocked(); err != nil {
			return 0, err
		}
	}
	return fw.file.Write(p)
}

// Close closes the current file.
func (fw *FileWriter) Close() error {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	if fw.file == nil {
		return nil
	}
	err := fw.file.Close()
	fw.file = nil
	return err
}

func (fw *FileWriter) rotateLocked() error {
	if fw.file != nil {
		_ = fw.file.Close()
	}

	today := fw.now().Format(dateLayout)
	name := fw.fileName(today)
	f, err := os.OpenFile(filepath.Join(fw.dir, name), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("opening log file: %w", err)
	}
	fw.file = f
	fw.currDate = today
	fw.updateSymlink(name)
	return nil
}

func (fw *FileWriter) updateSymlink(target string) {
	link := filepath.Join(fw.dir, "latest")
	tmp := link + ".tmp"

	_ = os.Remove(tmp)
	if err := os.Symlink(target, tmp); err != nil {
		return
	}
	_ = os.Rename(tmp, link)
}

var datePattern = regexp.MustCompile(`-(\d{4}-\d{2}-\d{2})\.jsonl$`)

// Cleanup removes <prefix>-*.jsonl files older than retentionDays.
func Cleanup(dir, prefix string, retentionDays int) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	cutoff := time.Now().AddDate(0, 0, -retentionDays)

	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, prefix+"-") {
			continue
		}
		m := datePattern.FindStringSubmatch(name)
		if m == nil {
			continue
		}
		day, err := time.Parse(dateLayout, m[1])
		if err != nil {
			continue
		}
		if day.Before(cutoff) {
			_ = os.Remove(filepath.Join(dir, name))
		}
	}
}
