// Package logjournal captures each process's stdout/stderr into an
// append-only file plus a bounded in-memory tail, so a reconnecting
// subscriber can catch up without re-reading the whole file.
package logjournal

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/kandev/missionctl/internal/logger"
)

const ringCapacity = 100

type stream struct {
	mu                   sync.Mutex
	file                 *os.File
	path                 string
	ring                 []string // non-empty lines only, capped at ringCapacity
	endsWithNewline      bool
	missionID            string
}

func (s *stream) pushLines(chunk string) {
	if chunk == "" {
		return
	}
	parts := strings.Split(chunk, "\n")
	for _, part := range parts {
		if part == "" {
			continue
		}
		s.ring = append(s.ring, part)
		if len(s.ring) > ringCapacity {
			s.ring = s.ring[len(s.ring)-ringCapacity:]
		}
	}
	s.endsWithNewline = strings.HasSuffix(chunk, "\n")
}

// snapshot returns the capped non-empty tail, plus a trailing empty string
// marker when the most recent write ended with a newline.
func (s *stream) snapshot() []string {
	out := make([]string, len(s.ring), len(s.ring)+1)
	copy(out, s.ring)
	if s.endsWithNewline {
		out = append(out, "")
	}
	return out
}

// Journal owns every open per-process log stream.
type Journal struct {
	mu      sync.Mutex
	streams map[string]*stream
	paths   map[string]string // processID -> on-disk path, retained past Close
	homeDir string
	log     *logger.Logger
}

// New creates a Journal rooted at logsDir (e.g. <home>/logs/missions).
func New(logsDir string, log *logger.Logger) *Journal {
	return &Journal{streams: make(map[string]*stream), paths: make(map[string]string), homeDir: logsDir, log: log}
}

// Open creates the per-process log file (and its parent directories),
// allocates a ring buffer, and returns the file path.
func (j *Journal) Open(processID, missionID string) (string, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if existing, ok := j.streams[processID]; ok {
		return existing.path, nil
	}

	dir := filepath.Join(j.homeDir, missionID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating log dir: %w", err)
	}
	path := filepath.Join(dir, processID+".log")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return "", fmt.Errorf("opening log file: %w", err)
	}
	j.streams[processID] = &stream{file: f, path: path, missionID: missionID}
	j.paths[processID] = path
	return path, nil
}

// Write appends data to the process's journal file and tail ring. It never
// returns an error to a caller driven by a subscriber's pace; a missing
// stream (Open not yet called, or already closed) is a silent no-op.
func (j *Journal) Write(processID string, data []byte) {
	j.mu.Lock()
	st, ok := j.streams[processID]
	j.mu.Unlock()
	if !ok {
		return
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if _, err := st.file.Write(data); err != nil && j.log != nil {
		j.log.WithError(err).Warn("logjournal: write failed", zap.String("process_id", processID))
	}
	st.pushLines(string(data))
}

// ReadAll returns the full file contents, or nil if the process has no
// journal (never opened, or the file is missing). A closed stream's path is
// retained so a completed process's logs remain readable.
func (j *Journal) ReadAll(processID string) ([]byte, error) {
	j.mu.Lock()
	st, ok := j.streams[processID]
	path, pathOk := j.paths[processID]
	j.mu.Unlock()

	if ok {
		st.mu.Lock()
		path = st.path
		st.mu.Unlock()
	} else if !pathOk {
		return nil, nil
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	return data, err
}

// RecentLines returns a snapshot copy of the ring buffer's current contents.
func (j *Journal) RecentLines(processID string) []string {
	j.mu.Lock()
	st, ok := j.streams[processID]
	j.mu.Unlock()
	if !ok {
		return nil
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.snapshot()
}

// Close flushes and closes the process's file handle, dropping its state.
func (j *Journal) Close(processID string) error {
	j.mu.Lock()
	st, ok := j.streams[processID]
	if ok {
		delete(j.streams, processID)
	}
	j.mu.Unlock()
	if !ok {
		return nil
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.file.Close()
}

// Cleanup closes every open stream and drops all state; called once during
// shutdown.
func (j *Journal) Cleanup() {
	j.mu.Lock()
	streams := j.streams
	j.streams = make(map[string]*stream)
	j.mu.Unlock()

	for _, st := range streams {
		st.mu.Lock()
		_ = st.file.Close()
		st.mu.Unlock()
	}
}
