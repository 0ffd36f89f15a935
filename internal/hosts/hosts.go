// Package hosts maintains beam's managed block in the system hosts file.
//
// All of beam's entries live between a BEGIN/END marker pair. Every mutation
// re-renders the whole block and atomically replaces the file (write to a
// temp file in the same directory, then rename), so a crash mid-write never
// leaves a half-written hosts file and unrelated content is never touched.
package hosts

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
)

const (
	beginMarker = "# BEGIN beam managed hosts"
	endMarker   = "# END beam managed hosts"
)

// FileError reports a failure to read or rewrite the hosts file. It usually
// means beam is running without the privileges the hosts file requires.
type FileError struct {
	Path string
	Err  error
}

func (e *FileError) Error() string {
	return fmt.Sprintf("hosts file %s: %v (try re-running with elevated privileges)", e.Path, e.Err)
}

func (e *FileError) Unwrap() error { return e.Err }

// SystemPath returns the platform hosts file location.
func SystemPath() string {
	if runtime.GOOS == "windows" {
		return filepath.Join(os.Getenv("SystemRoot"), "System32", "drivers", "etc", "hosts")
	}
	return "/etc/hosts"
}

// entry is one hostname mapping inside the managed block.
type entry struct {
	ip       string
	hostname string
}

// File serializes all access to one hosts file. All engine writes must go
// through a single File value.
type File struct {
	mu   sync.Mutex
	path string
}

// New returns a File for the given path, or the system hosts file when path
// is empty.
func New(path string) *File {
	if path == "" {
		path = SystemPath()
	}
	return &File{path: path}
}

// Path returns the underlying hosts file path.
func (f *File) Path() string { return f.path }

// Apply adds or replaces the managed mapping for hostname. Hostnames inside
// the block are unique; applying an existing hostname updates its address.
func (f *File) Apply(hostname, ip string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.rewrite(func(entries []entry) []entry {
		for i := range entries {
			if entries[i].hostname == hostname {
				entries[i].ip = ip
				return entries
			}
		}
		return append(entries, entry{ip: ip, hostname: hostname})
	})
}

// Remove deletes the managed mapping for hostname. Removing a hostname that
// is not present is a no-op.
func (f *File) Remove(hostname string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.rewrite(func(entries []entry) []entry {
		out := entries[:0]
		for _, e := range entries {
			if e.hostname != hostname {
				out = append(out, e)
			}
		}
		return out
	})
}

// RemoveAll empties the managed block, restoring the file to its unmanaged
// content.
func (f *File) RemoveAll() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.rewrite(func([]entry) []entry { return nil })
}

// Entries returns the current managed mappings (hostname -> ip).
func (f *File) Entries() (map[string]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	_, entries, err := f.parse()
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(entries))
	for _, e := range entries {
		out[e.hostname] = e.ip
	}
	return out, nil
}

// rewrite applies mutate to the current managed entries and atomically
// replaces the file. When the resulting block is empty the markers are
// dropped too, so connect/disconnect round-trips the file to its prior
// content.
func (f *File) rewrite(mutate func([]entry) []entry) error {
	outside, entries, err := f.parse()
	if err != nil {
		return err
	}

	entries = mutate(entries)

	var b strings.Builder
	for _, line := range outside {
		b.WriteString(line)
		b.WriteString("\n")
	}
	if len(entries) > 0 {
		b.WriteString(beginMarker)
		b.WriteString("\n")
		for _, e := range entries {
			fmt.Fprintf(&b, "%s %s\n", e.ip, e.hostname)
		}
		b.WriteString(endMarker)
		b.WriteString("\n")
	}

	return f.replace([]byte(b.String()))
}

// parse splits the file into lines outside the managed block and the parsed
// block entries. A missing file parses as empty.
func (f *File) parse() (outside []string, entries []entry, err error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, nil
		}
		return nil, nil, &FileError{Path: f.path, Err: err}
	}

	content := strings.TrimRight(string(data), "\n")
	if content == "" {
		return nil, nil, nil
	}

	inBlock := false
	for _, line := range strings.Split(content, "\n") {
		switch {
		case strings.TrimSpace(line) == beginMarker:
			inBlock = true
		case strings.TrimSpace(line) == endMarker:
			inBlock = false
		case inBlock:
			fields := strings.Fields(line)
			if len(fields) >= 2 {
				entries = append(entries, entry{ip: fields[0], hostname: fields[1]})
			}
		default:
			outside = append(outside, line)
		}
	}
	return outside, entries, nil
}

// replace writes content to a temp file next to the hosts file and renames it
// into place, preserving the original file mode.
func (f *File) replace(content []byte) error {
	dir := filepath.Dir(f.path)

	mode := os.FileMode(0o644)
	if info, err := os.Stat(f.path); err == nil {
		mode = info.Mode().Perm()
	}

	tmp, err := os.CreateTemp(dir, ".hosts-beam-*")
	if err != nil {
		return &FileError{Path: f.path, Err: err}
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return &FileError{Path: f.path, Err: err}
	}
	if err := tmp.Chmod(mode); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return &FileError{Path: f.path, Err: err}
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return &FileError{Path: f.path, Err: err}
	}

	if err := os.Rename(tmpPath, f.path); err != nil {
		os.Remove(tmpPath)
		return &FileError{Path: f.path, Err: err}
	}
	return nil
}
