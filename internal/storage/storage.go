// Package storage implements the append-only, newline-delimited persisted
// log of §4.6/§6. The interface shape (Append/LoadAll/RecordsAfter) is
// kept narrow, the way the teacher's types.Storage Set/Get interface is
// narrow, but generalized from keyed-upsert semantics to sequential-append
// semantics since chat records are never overwritten.
package storage

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/chatmesh/cluster/internal/errs"
	"github.com/chatmesh/cluster/internal/wire"
)

// Record is one persisted line: the SEQ_CHAT fields plus a timestamp, as
// specified in §6.
type Record struct {
	SeqNo    wire.SeqNo  `json:"seq_no"`
	Term     wire.Term   `json:"term"`
	SenderID wire.PeerID `json:"sender_id"`
	MsgID    string      `json:"msg_id"`
	RoomID   string      `json:"room_id"`
	Text     string      `json:"text"`
	TS       int64       `json:"ts"`
}

// FromSeqChat builds the persisted Record for a delivered SEQ_CHAT message.
func FromSeqChat(m wire.Message, now time.Time) Record {
	return Record{
		SeqNo:    m.SeqNo,
		Term:     m.Term,
		SenderID: m.OriginSender,
		MsgID:    m.MsgID.String(),
		RoomID:   m.Room(),
		Text:     m.Payload,
		TS:       now.UnixMilli(),
	}
}

// Store is the append-only log for a single node.
type Store struct {
	mu   sync.Mutex
	file *os.File
	w    *bufio.Writer
}

// Path returns the conventional log file path for a node, per §6:
// node_<self_id>_messages.jsonl under logDir.
func Path(logDir string, selfID wire.PeerID) string {
	return filepath.Join(logDir, fmt.Sprintf("node_%d_messages.jsonl", selfID))
}

// Open opens (creating if needed) the append-only log at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrStorageFatal, err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrStorageFatal, err)
	}
	return &Store{file: f, w: bufio.NewWriter(f)}, nil
}

// Append writes one record, flushing and fsyncing before returning, per
// the flush-on-write invariant of §4.6. Records are written exactly once,
// from the delivery callback only — Append does not enforce that itself,
// it is a property of its one caller, the orchestrator's delivery path
// (deliverLocal in the cluster package).
func (s *Store) Append(r Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	line, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("%w: marshal record: %v", errs.ErrStorageFatal, err)
	}
	if _, err := s.w.Write(line); err != nil {
		return fmt.Errorf("%w: %v", errs.ErrStorageFatal, err)
	}
	if err := s.w.WriteByte('\n'); err != nil {
		return fmt.Errorf("%w: %v", errs.ErrStorageFatal, err)
	}
	if err := s.w.Flush(); err != nil {
		return fmt.Errorf("%w: %v", errs.ErrStorageFatal, err)
	}
	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("%w: %v", errs.ErrStorageFatal, err)
	}
	return nil
}

// LoadAll streams every record in file order, for startup rehydration.
func (s *Store) LoadAll() ([]Record, error) {
	return s.scan(func(Record) bool { return true })
}

// RecordsAfter yields records with seq_no > since, in ascending order, for
// catch-up responses.
func (s *Store) RecordsAfter(since wire.SeqNo) ([]Record, error) {
	return s.scan(func(r Record) bool { return r.SeqNo > since })
}

func (s *Store) scan(keep func(Record) bool) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.file.Seek(0, 0); err != nil {
		return nil, fmt.Errorf("%w: seek: %v", errs.ErrStorageFatal, err)
	}
	defer s.file.Seek(0, 2) // restore append position for subsequent writes

	var records []Record
	scanner := bufio.NewScanner(s.file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var r Record
		if err := json.Unmarshal(line, &r); err != nil {
			return nil, fmt.Errorf("%w: corrupt record: %v", errs.ErrStorageFatal, err)
		}
		if keep(r) {
			records = append(records, r)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%w: scan: %v", errs.ErrStorageFatal, err)
	}
	return records, nil
}

// MaxSeq returns the highest seq_no observed in the log, 0 if empty. Used
// on startup to seed the ordering state's last_seq regardless of role.
func (s *Store) MaxSeq() (wire.SeqNo, error) {
	records, err := s.LoadAll()
	if err != nil {
		return 0, err
	}
	var max wire.SeqNo
	for _, r := range records {
		if r.SeqNo > max {
			max = r.SeqNo
		}
	}
	return max, nil
}

// Close flushes and closes the underlying file.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.w.Flush(); err != nil {
		return err
	}
	return s.file.Close()
}
