package storage

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/chatmesh/cluster/internal/wire"
)

func seqChat(seq wire.SeqNo, term wire.Term, sender wire.PeerID) wire.Message {
	return wire.Message{
		Type:         wire.SeqChat,
		SeqNo:        seq,
		Term:         term,
		SenderID:     sender,
		OriginSender: sender,
		MsgID:        wire.NewMsgID(),
		RoomID:       wire.DefaultRoomID,
		Payload:      "hello",
	}
}

func TestAppendAndLoadAll(t *testing.T) {
	dir := t.TempDir()
	store, err := Open(filepath.Join(dir, "node.log"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer store.Close()

	for i := 1; i <= 5; i++ {
		rec := FromSeqChat(seqChat(wire.SeqNo(i), 1, 7), time.Now())
		if err := store.Append(rec); err != nil {
			t.Fatalf("Append(%d): %v", i, err)
		}
	}

	records, err := store.LoadAll()
	if err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	if len(records) != 5 {
		t.Fatalf("LoadAll returned %d records, want 5", len(records))
	}
	for i, r := range records {
		want := wire.SeqNo(i + 1)
		if r.SeqNo != want {
			t.Fatalf("records[%d].SeqNo = %d, want %d", i, r.SeqNo, want)
		}
	}
}

func TestReopenRecoversMaxSeq(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "node.log")

	store, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	for i := 1; i <= 3; i++ {
		if err := store.Append(FromSeqChat(seqChat(wire.SeqNo(i), 1, 1), time.Now())); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	max, err := reopened.MaxSeq()
	if err != nil {
		t.Fatalf("MaxSeq: %v", err)
	}
	if max != 3 {
		t.Fatalf("MaxSeq after reopen = %d, want 3", max)
	}
}

func TestRecordsAfter(t *testing.T) {
	dir := t.TempDir()
	store, err := Open(filepath.Join(dir, "node.log"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer store.Close()

	for i := 1; i <= 10; i++ {
		if err := store.Append(FromSeqChat(seqChat(wire.SeqNo(i), 1, 1), time.Now())); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	records, err := store.RecordsAfter(7)
	if err != nil {
		t.Fatalf("RecordsAfter: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("RecordsAfter(7) returned %d records, want 3", len(records))
	}
	if records[0].SeqNo != 8 {
		t.Fatalf("first record after 7 has SeqNo %d, want 8", records[0].SeqNo)
	}
}

func TestMaxSeq_EmptyLogIsZero(t *testing.T) {
	dir := t.TempDir()
	store, err := Open(filepath.Join(dir, "node.log"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer store.Close()

	max, err := store.MaxSeq()
	if err != nil {
		t.Fatalf("MaxSeq: %v", err)
	}
	if max != 0 {
		t.Fatalf("MaxSeq on an empty log = %d, want 0", max)
	}
}
