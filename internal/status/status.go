// Package status reads and writes the installer status file.
//
// The file is a flat sequence of whitespace-separated tokens, each
// "id:status" or "id:status:error". Installer steps append one token per
// transition; readers collapse the log into the current state of every step.
package status

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/afero"
)

// Well-known status values. Any other string is accepted.
const (
	Pending = "pending"
	Running = "running"
	Success = "success"
	Errored = "errored"
)

var (
	ErrMalformedToken = errors.New("malformed status token")
	ErrInvalidEntry   = errors.New("invalid status entry")
)

// Entry is the current state of one installer step.
type Entry struct {
	ID     string
	Status string
	Error  string
}

// String returns the on-disk token for e.
func (e Entry) String() string {
	if e.Error == "" {
		return e.ID + ":" + e.Status
	}
	return e.ID + ":" + e.Status + ":" + e.Error
}

type entryJSON struct {
	ID     string  `json:"id"`
	Status string  `json:"status"`
	Error  *string `json:"error"`
}

// MarshalJSON renders a missing error as null.
func (e Entry) MarshalJSON() ([]byte, error) {
	v := entryJSON{ID: e.ID, Status: e.Status}
	if e.Error != "" {
		v.Error = &e.Error
	}
	return json.Marshal(v)
}

func (e *Entry) UnmarshalJSON(b []byte) error {
	var v entryJSON
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	*e = Entry{ID: v.ID, Status: v.Status}
	if v.Error != nil {
		e.Error = *v.Error
	}
	return nil
}

// Decode reads a whole status log and returns the current entries in
// first-seen order. A later token for a known id replaces that entry in place.
//
// A word without ':' that directly follows a token with error text is part of
// that error text ("step2:errored:disk full"). Any other word without ':' is
// an ErrMalformedToken.
func Decode(r io.Reader) ([]Entry, error) {
	b, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	entries := make([]Entry, 0)
	index := map[string]int{}
	cont := -1
	for i, word := range strings.Fields(string(b)) {
		fields := strings.SplitN(word, ":", 3)
		if len(fields) < 2 {
			if cont >= 0 {
				entries[cont].Error += " " + word
				continue
			}
			return nil, fmt.Errorf("%w: token %d %q has no status", ErrMalformedToken, i, word)
		}
		e := Entry{ID: fields[0], Status: fields[1]}
		if len(fields) == 3 {
			e.Error = fields[2]
		}
		pos, ok := index[e.ID]
		if ok {
			entries[pos] = e
		} else {
			pos = len(entries)
			index[e.ID] = pos
			entries = append(entries, e)
		}
		cont = -1
		if e.Error != "" {
			cont = pos
		}
	}
	return entries, nil
}

// HasErrors reports whether any entry has status Errored.
func HasErrors(entries []Entry) bool {
	for _, e := range entries {
		if e.Status == Errored {
			return true
		}
	}
	return false
}

// Validate checks that e survives an Append/Decode round trip.
func (e Entry) Validate() error {
	if e.ID == "" || strings.ContainsAny(e.ID, ": \t\r\n") {
		return fmt.Errorf("%w: id %q", ErrInvalidEntry, e.ID)
	}
	if e.Status == "" || strings.ContainsAny(e.Status, ": \t\r\n") {
		return fmt.Errorf("%w: status %q", ErrInvalidEntry, e.Status)
	}
	words := strings.Fields(e.Error)
	for i, w := range words {
		if i > 0 && strings.Contains(w, ":") {
			return fmt.Errorf("%w: error text word %q contains ':'", ErrInvalidEntry, w)
		}
	}
	return nil
}

// Store is a status file on fs.
type Store struct {
	fs   afero.Fs
	path string
}

func New(fs afero.Fs, path string) *Store {
	return &Store{fs: fs, path: path}
}

func (s *Store) Path() string { return s.path }

// CreateEmpty truncates or creates the status file.
func (s *Store) CreateEmpty() error {
	if err := afero.WriteFile(s.fs, s.path, nil, 0o644); err != nil {
		return fmt.Errorf("create status file: %w", err)
	}
	return nil
}

// Parse decodes the status file. It holds no lock: a concurrent writer may
// leave a partial token, which surfaces as a decode error.
func (s *Store) Parse() ([]Entry, error) {
	f, err := s.fs.Open(s.path)
	if err != nil {
		return nil, fmt.Errorf("open status file: %w", err)
	}
	defer f.Close()
	entries, err := Decode(f)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", s.path, err)
	}
	return entries, nil
}

func (s *Store) ContainsErrors() (bool, error) {
	entries, err := s.Parse()
	if err != nil {
		return false, err
	}
	return HasErrors(entries), nil
}

// Append writes one token for e. Runs of whitespace in the error text are
// collapsed to single spaces.
func (s *Store) Append(e Entry) error {
	e.Error = strings.Join(strings.Fields(e.Error), " ")
	if err := e.Validate(); err != nil {
		return err
	}
	f, err := s.fs.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open status file: %w", err)
	}
	if _, err := io.WriteString(f, e.String()+"\n"); err != nil {
		_ = f.Close()
		return fmt.Errorf("append status: %w", err)
	}
	return f.Close()
}
