package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	logx "pacebot/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.snapshot.json (periodic snapshot of every table)
//   - <prefix>.journal.jsonl (append-only journal of upserts)
//
// The journal is compacted into the snapshot every compactEvery writes and on Close.
type fileStore struct {
	*memStore
	log logx.Logger

	wmu          sync.Mutex
	snapshotPath string
	journal      *os.File
	writes       int
	compactEvery int
}

type journalRecord struct {
	Room    *Room    `json:"room,omitempty"`
	Contact *Contact `json:"contact,omitempty"`
	Message *Message `json:"message,omitempty"`
}

type snapshot struct {
	Rooms    []Room    `json:"rooms"`
	Contacts []Contact `json:"contacts"`
	Messages []Message `json:"messages"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	prefix := filepath.Join(dir, base)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	s := &fileStore{
		memStore:     newMemStore(),
		log:          log,
		snapshotPath: prefix + ".snapshot.json",
		compactEvery: 1000,
	}
	journalPath := prefix + ".journal.jsonl"
	if err := s.loadSnapshot(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("storage snapshot unreadable, starting from journal", logx.Err(err))
	}
	if err := s.replay(journalPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	s.journal = jf
	return s, nil
}

func (s *fileStore) apply(r journalRecord) {
	ctx := context.Background()
	switch {
	case r.Room != nil:
		_ = s.memStore.UpsertRoom(ctx, *r.Room)
	case r.Contact != nil:
		_ = s.memStore.UpsertContact(ctx, *r.Contact)
	case r.Message != nil:
		_ = s.memStore.AddMessage(ctx, *r.Message)
	}
}

func (s *fileStore) loadSnapshot() error {
	f, err := os.Open(s.snapshotPath)
	if err != nil {
		return err
	}
	defer f.Close()
	var snap snapshot
	if err := json.NewDecoder(f).Decode(&snap); err != nil {
		return err
	}
	for i := range snap.Rooms {
		s.apply(journalRecord{Room: &snap.Rooms[i]})
	}
	for i := range snap.Contacts {
		s.apply(journalRecord{Contact: &snap.Contacts[i]})
	}
	for i := range snap.Messages {
		s.apply(journalRecord{Message: &snap.Messages[i]})
	}
	return nil
}

func (s *fileStore) replay(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		var r journalRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			continue
		}
		s.apply(r)
	}
	return sc.Err()
}

func (s *fileStore) append(r journalRecord) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	if s.journal == nil {
		return errors.New("storage journal closed")
	}
	if err := json.NewEncoder(s.journal).Encode(r); err != nil {
		return err
	}
	s.writes++
	if s.writes%s.compactEvery == 0 {
		if err := s.compactLocked(); err != nil {
			s.log.Debug("storage compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) UpsertRoom(ctx context.Context, r Room) error {
	if err := s.memStore.UpsertRoom(ctx, r); err != nil {
		return err
	}
	return s.append(journalRecord{Room: &r})
}

func (s *fileStore) UpsertContact(ctx context.Context, c Contact) error {
	if err := s.memStore.UpsertContact(ctx, c); err != nil {
		return err
	}
	return s.append(journalRecord{Contact: &c})
}

func (s *fileStore) AddMessage(ctx context.Context, m Message) error {
	if err := s.memStore.AddMessage(ctx, m); err != nil {
		return err
	}
	return s.append(journalRecord{Message: &m})
}

func (s *fileStore) compactLocked() error {
	s.memStore.mu.RLock()
	snap := snapshot{
		Rooms:    make([]Room, 0, len(s.rooms)),
		Contacts: make([]Contact, 0, len(s.contacts)),
		Messages: make([]Message, 0, len(s.messages)),
	}
	for _, r := range s.rooms {
		snap.Rooms = append(snap.Rooms, r)
	}
	for _, c := range s.contacts {
		snap.Contacts = append(snap.Contacts, c)
	}
	msgs := make([]storedMessage, 0, len(s.messages))
	for _, m := range s.messages {
		msgs = append(msgs, m)
	}
	s.memStore.mu.RUnlock()
	// Keep insertion order so ties on At replay the same way.
	sort.Slice(msgs, func(i, j int) bool { return msgs[i].seq < msgs[j].seq })
	for _, m := range msgs {
		snap.Messages = append(snap.Messages, m.Message)
	}

	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(snap); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	if err := s.journal.Truncate(0); err != nil {
		return err
	}
	_, err = s.journal.Seek(0, 2)
	return err
}

func (s *fileStore) Close() error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	if s.journal == nil {
		return nil
	}
	err := s.compactLocked()
	if cerr := s.journal.Close(); err == nil {
		err = cerr
	}
	s.journal = nil
	return err
}
