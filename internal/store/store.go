// Package store keeps copayer session checkpoints in an append-only JSON
// lines journal, so a restarted peer resumes its nonces and sync position.
package store

import (
	"bufio"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"copaynet/internal/proto"
)

// MaxLines is the journal length that triggers a compaction on Save.
var MaxLines = 1000

const maxScanSize = 2 * proto.MaxFrameSize

var ErrNoCopayer = errors.New("checkpoint without copayer id")

// Checkpoint is what a session needs to resume: where to sync from and
// which nonces were used.
type Checkpoint struct {
	CopayerID     string            `json:"copayerId"`
	LastTimestamp int64             `json:"lastTs"`
	Nonce         string            `json:"nonce,omitempty"`
	Nonces        map[string]string `json:"nonces,omitempty"`
	SavedAt       int64             `json:"savedAt"`
}

type Store struct {
	mu    sync.Mutex
	path  string
	lines int
}

func New(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, err
	}
	s := &Store{path: path, lines: -1}
	return s, nil
}

func newScanner(r io.Reader) *bufio.Scanner {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxScanSize)
	return sc
}

func syncFile(f *os.File) error {
	if f == nil {
		return nil
	}
	return f.Sync()
}

func syncDir(path string) {
	dir, err := os.Open(filepath.Dir(path))
	if err != nil {
		return
	}
	defer dir.Close()
	_ = dir.Sync()
}

// Save appends cp to the journal.
func (s *Store) Save(cp Checkpoint) error {
	if cp.CopayerID == "" {
		return ErrNoCopayer
	}
	if cp.SavedAt == 0 {
		cp.SavedAt = time.Now().UnixMilli()
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(cp); err != nil {
		_ = f.Close()
		return err
	}
	if err := syncFile(f); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}

	if s.lines < 0 {
		all, err := s.readLocked()
		if err != nil {
			return err
		}
		s.lines = len(all)
	} else {
		s.lines++
	}
	if s.lines > MaxLines {
		return s.rewriteLocked("")
	}
	return nil
}

func (s *Store) readLocked() ([]Checkpoint, error) {
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_RDONLY, 0600)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []Checkpoint
	sc := newScanner(f)
	for sc.Scan() {
		var cp Checkpoint
		if err := json.Unmarshal(sc.Bytes(), &cp); err == nil && cp.CopayerID != "" {
			out = append(out, cp)
		}
	}
	return out, sc.Err()
}

// latest keeps the last checkpoint of each copayer, in first-seen order.
func latest(all []Checkpoint) []Checkpoint {
	idx := make(map[string]int)
	var out []Checkpoint
	for _, cp := range all {
		if i, ok := idx[cp.CopayerID]; ok {
			out[i] = cp
			continue
		}
		idx[cp.CopayerID] = len(out)
		out = append(out, cp)
	}
	return out
}

// Load returns the newest checkpoint of copayerID.
func (s *Store) Load(copayerID string) (Checkpoint, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all, err := s.readLocked()
	if err != nil {
		return Checkpoint{}, false, err
	}
	for i := len(all) - 1; i >= 0; i-- {
		if all[i].CopayerID == copayerID {
			return all[i], true, nil
		}
	}
	return Checkpoint{}, false, nil
}

// All returns the newest checkpoint of every copayer.
func (s *Store) All() ([]Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all, err := s.readLocked()
	if err != nil {
		return nil, err
	}
	return latest(all), nil
}

// Compact rewrites the journal keeping one checkpoint per copayer.
func (s *Store) Compact() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rewriteLocked("")
}

// Forget drops every checkpoint of copayerID.
func (s *Store) Forget(copayerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rewriteLocked(copayerID)
}

func (s *Store) rewriteLocked(drop string) error {
	all, err := s.readLocked()
	if err != nil {
		return err
	}
	keep := latest(all)

	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(f)
	n := 0
	for _, cp := range keep {
		if cp.CopayerID == drop {
			continue
		}
		if err := enc.Encode(cp); err != nil {
			_ = f.Close()
			return err
		}
		n++
	}
	if err := syncFile(f); err != nil {
		_ = f.Close()
		return err
	}
	// Close before rename; Windows refuses to rename open files.
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return err
	}
	syncDir(s.path)
	s.lines = n
	return nil
}
