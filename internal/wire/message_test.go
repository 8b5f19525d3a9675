package wire

import "testing"

func TestPeerInfo_Addr(t *testing.T) {
	p := PeerInfo{ID: 1, Host: "10.0.0.5", Port: 7000}
	if got := p.Addr(); got != "10.0.0.5:7000" {
		t.Fatalf("Addr() = %q, want %q", got, "10.0.0.5:7000")
	}
}

func TestMessage_RoomDefaultsWhenEmpty(t *testing.T) {
	m := Message{RoomID: ""}
	if got := m.Room(); got != DefaultRoomID {
		t.Fatalf("Room() = %q, want default %q", got, DefaultRoomID)
	}
	m.RoomID = "lobby"
	if got := m.Room(); got != "lobby" {
		t.Fatalf("Room() = %q, want %q", got, "lobby")
	}
}

func TestNewMsgID_Unique(t *testing.T) {
	a := NewMsgID()
	b := NewMsgID()
	if a == b {
		t.Fatalf("NewMsgID produced two identical ids")
	}
}
