// Package logging routes the standard logger to stdout plus a log file under
// the beam data directory, so a tunnel that dies while the terminal scrolled
// away can still be diagnosed afterwards.
package logging

import (
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
)

var (
	logFile *os.File
	mu      sync.Mutex
)

// Init sets up dual logging to stderr and the given log file. A failure to
// open the file downgrades to stderr-only logging; the engine still runs.
func Init(path string) {
	mu.Lock()
	defer mu.Unlock()

	if path == "" {
		return
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		log.Printf("WARNING: cannot create log directory: %v", err)
		return
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		log.Printf("WARNING: cannot open log file %s: %v", path, err)
		return
	}

	logFile = f
	log.SetOutput(io.MultiWriter(os.Stderr, logFile))
}

// Close flushes and closes the log file, if one was opened.
func Close() {
	mu.Lock()
	defer mu.Unlock()

	if logFile != nil {
		logFile.Close()
		logFile = nil
		log.SetOutput(os.Stderr)
	}
}
