package raft

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
)

// LogStore is a durable, ordered, appendable log keyed by monotonic 1-based
// index. Entries are stored as one JSON document per line; the whole log is
// kept in memory for reads.
//
// A store created with an empty file path is purely in memory, which is
// convenient for tests.
type LogStore struct {
	filePath string
	file     *os.File

	entries []LogEntry
}

func NewLogStore(filePath string) *LogStore {
	return &LogStore{
		filePath: filePath,
	}
}

func (s *LogStore) Open() error {
	s.entries = nil

	if s.filePath == "" {
		return nil
	}

	flags := os.O_RDWR | os.O_CREATE
	file, err := os.OpenFile(s.filePath, flags, 0600)
	if err != nil {
		return fmt.Errorf("cannot open %q: %w", s.filePath, err)
	}

	d := json.NewDecoder(bufio.NewReader(file))
	for {
		var entry LogEntry

		if err := d.Decode(&entry); err == io.EOF {
			break
		} else if err != nil {
			file.Close()

			return fmt.Errorf("cannot read json data from %q: %w",
				s.filePath, err)
		}

		if entry.Index != LogIndex(len(s.entries))+1 {
			file.Close()

			return fmt.Errorf("non-contiguous entry %d in %q",
				entry.Index, s.filePath)
		}

		s.entries = append(s.entries, entry)
	}

	if _, err := file.Seek(0, io.SeekEnd); err != nil {
		file.Close()

		return fmt.Errorf("cannot seek %q: %w", s.filePath, err)
	}

	s.file = file

	return nil
}

func (s *LogStore) Close() {
	if s.file != nil {
		s.file.Close()
		s.file = nil
	}
}

func (s *LogStore) LastIndex() LogIndex {
	return LogIndex(len(s.entries))
}

func (s *LogStore) LastTerm() Term {
	nbEntries := len(s.entries)

	if nbEntries == 0 {
		return 0
	}

	return s.entries[nbEntries-1].Term
}

func (s *LogStore) Get(index LogIndex) (LogEntry, bool) {
	if index < 1 || index > LogIndex(len(s.entries)) {
		return LogEntry{}, false
	}

	return s.entries[index-1], true
}

func (s *LogStore) TermAt(index LogIndex) (Term, bool) {
	if index == 0 {
		return 0, true
	}

	entry, found := s.Get(index)
	if !found {
		return 0, false
	}

	return entry.Term, true
}

func (s *LogStore) AppendEntry(entry LogEntry) error {
	if entry.Index != s.LastIndex()+1 {
		return fmt.Errorf("cannot append non-contiguous entry %d "+
			"(last index: %d)", entry.Index, s.LastIndex())
	}

	if s.file != nil {
		e := json.NewEncoder(s.file)
		if err := e.Encode(&entry); err != nil {
			return fmt.Errorf("cannot write json data to %q: %w",
				s.filePath, err)
		}

		if err := s.file.Sync(); err != nil {
			return fmt.Errorf("cannot sync %q: %w", s.filePath, err)
		}
	}

	s.entries = append(s.entries, entry)

	return nil
}

// TruncateAfter discards all entries with an index strictly greater than
// index. Truncations only happen when a follower's log diverged from a new
// leader's, so the full rewrite is acceptable.
func (s *LogStore) TruncateAfter(index LogIndex) error {
	if index >= s.LastIndex() {
		return nil
	}

	if index < 0 {
		index = 0
	}

	entries := s.entries[:index]

	if s.file != nil {
		if _, err := s.file.Seek(0, io.SeekStart); err != nil {
			return fmt.Errorf("cannot seek %q: %w", s.filePath, err)
		}

		if err := s.file.Truncate(0); err != nil {
			return fmt.Errorf("cannot truncate %q: %w", s.filePath, err)
		}

		e := json.NewEncoder(s.file)
		for i := range entries {
			if err := e.Encode(&entries[i]); err != nil {
				return fmt.Errorf("cannot write json data to %q: %w",
					s.filePath, err)
			}
		}

		if err := s.file.Sync(); err != nil {
			return fmt.Errorf("cannot sync %q: %w", s.filePath, err)
		}
	}

	s.entries = entries

	return nil
}

// Slice returns up to maxCount entries starting at index first.
func (s *LogStore) Slice(first LogIndex, maxCount int) []LogEntry {
	if first < 1 || first > s.LastIndex() {
		return nil
	}

	last := int(first) - 1 + maxCount
	if last > len(s.entries) {
		last = len(s.entries)
	}

	entries := make([]LogEntry, last-int(first)+1)
	copy(entries, s.entries[first-1:last])

	return entries
}
