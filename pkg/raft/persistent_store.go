package raft

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
)

// PersistentStore durably stores a single JSON document in a file, with a
// full rewrite and fsync on every update. It is meant for small, rarely
// updated values such as the current term and vote, where simplicity and
// crash safety matter more than write throughput.
type PersistentStore struct {
	filePath string
	file     *os.File
}

func NewPersistentStore(filePath string) *PersistentStore {
	return &PersistentStore{
		filePath: filePath,
	}
}

// Open opens or creates the store. An empty store is initialized with
// defaultValue.
func (s *PersistentStore) Open(defaultValue interface{}) error {
	flags := os.O_RDWR | os.O_CREATE
	file, err := os.OpenFile(s.filePath, flags, 0600)
	if err != nil {
		return fmt.Errorf("cannot open %q: %w", s.filePath, err)
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()

		return fmt.Errorf("cannot stat %q: %w", s.filePath, err)
	}

	s.file = file

	if info.Size() == 0 {
		if err := s.Write(defaultValue); err != nil {
			file.Close()

			return fmt.Errorf("cannot write default value to %q: %w",
				s.filePath, err)
		}
	}

	return nil
}

func (s *PersistentStore) Close() {
	s.file.Close()
}

func (s *PersistentStore) Read(value interface{}) error {
	if _, err := s.file.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("cannot seek %q: %w", s.filePath, err)
	}

	d := json.NewDecoder(s.file)
	if err := d.Decode(value); err != nil {
		return fmt.Errorf("cannot read json data from %q: %w",
			s.filePath, err)
	}

	return nil
}

func (s *PersistentStore) Write(value interface{}) error {
	if _, err := s.file.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("cannot seek %q: %w", s.filePath, err)
	}

	if err := s.file.Truncate(0); err != nil {
		return fmt.Errorf("cannot truncate %q: %w", s.filePath, err)
	}

	e := json.NewEncoder(s.file)
	if err := e.Encode(value); err != nil {
		return fmt.Errorf("cannot write json data to %q: %w", s.filePath, err)
	}

	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("cannot sync %q: %w", s.filePath, err)
	}

	return nil
}
