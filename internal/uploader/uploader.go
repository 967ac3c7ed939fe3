// Package uploader reassembles chunked file uploads and hands finished
// archives to the installer.
package uploader

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/zeebo/blake3"

	"mksmaster/internal/installer"
	"mksmaster/internal/store"
)

var (
	ErrUnknownUploadSession = errors.New("unknown upload session")
	ErrChunkOutOfOrder      = errors.New("upload chunk out of order")
	ErrInvalidChunk         = errors.New("invalid upload chunk")
	ErrStopped              = errors.New("uploader stopped")
)

// Chunk is one piece of an upload. Index is 1-based. Completion is signalled
// by Last, or by Index reaching a positive Total.
type Chunk struct {
	File  string
	Index int
	Total int
	Last  bool
	Data  []byte
}

func (c Chunk) final() bool {
	return c.Last || (c.Total > 0 && c.Index == c.Total)
}

// Enqueuer receives the install job for a completed upload.
type Enqueuer interface {
	Enqueue(job installer.Job) error
}

// Result describes what a chunk did to its session.
type Result struct {
	Completed bool
	Duplicate bool
	Path      string
	Size      int
	Digest    string
}

// SessionInfo is a read-only view of an in-flight upload.
type SessionInfo struct {
	File      string
	LastChunk int
	Total     int
	Size      int
	StartedAt time.Time
}

type session struct {
	file      string
	buf       bytes.Buffer
	lastChunk int
	total     int
	startedAt time.Time
}

// Manager owns every upload session behind one lock. Each call mutates at
// most one session and holds the lock for the whole mutation.
type Manager struct {
	dir    string
	sink   Enqueuer
	logger *slog.Logger

	mu       sync.Mutex
	sessions map[string]*session
	stopped  bool
}

func New(dir string, sink Enqueuer, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		dir:      dir,
		sink:     sink,
		logger:   logger.With("component", "uploader"),
		sessions: map[string]*session{},
	}
}

// Apply routes a chunk: index 1 opens a session, anything else extends one.
func (m *Manager) Apply(c Chunk) (Result, error) {
	if c.Index == 1 {
		return m.AddNewUploader(c)
	}
	return m.UpdateUploader(c)
}

// AddNewUploader starts a session for c.File with c as its first chunk,
// discarding any stale session for the same file.
func (m *Manager) AddNewUploader(c Chunk) (Result, error) {
	if err := validate(c); err != nil {
		return Result{}, err
	}
	if c.Index != 1 {
		return Result{}, fmt.Errorf("%w: first chunk has index %d", ErrInvalidChunk, c.Index)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return Result{}, ErrStopped
	}
	if _, ok := m.sessions[c.File]; ok {
		m.logger.Warn("discarding stale upload session", "file", c.File)
	}
	s := &session{file: c.File, total: c.Total, startedAt: time.Now().UTC()}
	m.sessions[c.File] = s
	return m.appendLocked(s, c)
}

// UpdateUploader appends c to the session for c.File. A retransmit of the
// last accepted chunk is acknowledged without being appended twice.
func (m *Manager) UpdateUploader(c Chunk) (Result, error) {
	if err := validate(c); err != nil {
		return Result{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return Result{}, ErrStopped
	}
	s, ok := m.sessions[c.File]
	if !ok {
		return Result{}, fmt.Errorf("%w: %s chunk %d", ErrUnknownUploadSession, c.File, c.Index)
	}
	if c.Index == s.lastChunk {
		m.logger.Debug("duplicate upload chunk", "file", c.File, "chunk", c.Index)
		return Result{Duplicate: true, Size: s.buf.Len()}, nil
	}
	if c.Index != s.lastChunk+1 {
		return Result{}, fmt.Errorf("%w: %s expected chunk %d, got %d", ErrChunkOutOfOrder, c.File, s.lastChunk+1, c.Index)
	}
	if c.Total > 0 {
		s.total = c.Total
	}
	return m.appendLocked(s, c)
}

func (m *Manager) appendLocked(s *session, c Chunk) (Result, error) {
	s.buf.Write(c.Data)
	s.lastChunk = c.Index
	if !c.final() {
		return Result{Size: s.buf.Len()}, nil
	}
	return m.completeLocked(s)
}

// completeLocked writes the assembled file and enqueues its install. The
// session is destroyed whether or not the write succeeds.
func (m *Manager) completeLocked(s *session) (Result, error) {
	delete(m.sessions, s.file)

	data := s.buf.Bytes()
	dst := filepath.Join(m.dir, filepath.Base(s.file))
	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return Result{}, fmt.Errorf("create upload dir: %w", err)
	}
	if err := store.WriteFileAtomic(dst, data, 0o644); err != nil {
		return Result{}, fmt.Errorf("write upload %s: %w", dst, err)
	}
	sum := blake3.Sum256(data)
	res := Result{
		Completed: true,
		Path:      dst,
		Size:      len(data),
		Digest:    hex.EncodeToString(sum[:]),
	}
	m.logger.Info("upload complete", "file", s.file, "path", dst, "size", res.Size,
		"chunks", s.lastChunk, "blake3", res.Digest, "elapsed", time.Since(s.startedAt).Round(time.Millisecond))

	if m.sink != nil {
		if err := m.sink.Enqueue(installer.NewJob(installer.InstallFromArchive, dst)); err != nil {
			return res, fmt.Errorf("enqueue install for %s: %w", dst, err)
		}
	}
	return res, nil
}

// Stop aborts every in-flight session without writing anything and refuses
// further chunks. It is idempotent.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return
	}
	m.stopped = true
	for file, s := range m.sessions {
		m.logger.Warn("upload aborted", "file", file, "chunks", s.lastChunk, "size", s.buf.Len())
	}
	m.sessions = map[string]*session{}
}

// Sessions lists in-flight uploads ordered by file name.
func (m *Manager) Sessions() []SessionInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SessionInfo, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, SessionInfo{
			File:      s.file,
			LastChunk: s.lastChunk,
			Total:     s.total,
			Size:      s.buf.Len(),
			StartedAt: s.startedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].File < out[j].File })
	return out
}

func validate(c Chunk) error {
	if c.File == "" {
		return fmt.Errorf("%w: missing file", ErrInvalidChunk)
	}
	if base := filepath.Base(c.File); base == "." || base == ".." || base == string(filepath.Separator) {
		return fmt.Errorf("%w: bad file name %q", ErrInvalidChunk, c.File)
	}
	if c.Index < 1 {
		return fmt.Errorf("%w: chunk index %d", ErrInvalidChunk, c.Index)
	}
	if c.Total < 0 || (c.Total > 0 && c.Index > c.Total) {
		return fmt.Errorf("%w: chunk %d of %d", ErrInvalidChunk, c.Index, c.Total)
	}
	return nil
}
