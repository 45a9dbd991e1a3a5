package rooms

import (
	"sync"
	"testing"
)

// fakeClient collects delivered messages.
type fakeClient struct {
	id string

	mu   sync.Mutex
	msgs []Message
}

func (f *fakeClient) ConnID() string { return f.id }

func (f *fakeClient) Deliver(msg Message) {
	f.mu.Lock()
	f.msgs = append(f.msgs, msg)
	f.mu.Unlock()
}

func (f *fakeClient) received() []Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Message(nil), f.msgs...)
}

func TestHubJoinIdempotent(t *testing.T) {
	h := NewHub(nil, nil)
	c := &fakeClient{id: "c1"}
	room := SessionRoom("s1")

	h.Join(room, c)
	h.Join(room, c)
	if got := h.MemberCount(room); got != 1 {
		t.Fatalf("member count = %d, want 1", got)
	}

	h.Broadcast(room, Message{Type: "x"})
	if got := len(c.received()); got != 1 {
		t.Fatalf("duplicate join must not duplicate delivery, got %d messages", got)
	}
}

func TestHubLeave(t *testing.T) {
	h := NewHub(nil, nil)
	c := &fakeClient{id: "c1"}
	room := SessionRoom("s1")

	h.Leave(room, c) // leaving an unjoined room is a no-op
	h.Join(room, c)
	h.Leave(room, c)
	h.Leave(room, c)

	h.Broadcast(room, Message{Type: "x"})
	if got := len(c.received()); got != 0 {
		t.Fatalf("left client received %d messages", got)
	}
}

func TestHubBroadcastScoping(t *testing.T) {
	h := NewHub(nil, nil)
	student := &fakeClient{id: "student"}
	observer := &fakeClient{id: "observer"}

	h.Join(SessionRoom("s1"), student)
	h.Join(ObserverGlobal(), observer)

	h.Broadcast(SessionRoom("s1"), Message{Type: "violation-alert"})
	if len(student.received()) != 1 {
		t.Error("session room member should receive the alert")
	}
	if len(observer.received()) != 0 {
		t.Error("observer-global member must not receive session-room traffic")
	}

	h.Broadcast(ObserverGlobal(), Message{Type: "violation-alert", Urgent: true})
	msgs := observer.received()
	if len(msgs) != 1 || !msgs[0].Urgent {
		t.Errorf("observer should receive the urgent alert, got %+v", msgs)
	}
}

func TestHubLeaveAll(t *testing.T) {
	h := NewHub(nil, nil)
	c := &fakeClient{id: "c1"}

	h.Join(SessionRoom("s1"), c)
	h.Join(ObserverGlobal(), c)
	h.Join(ObserverExamRoom("e1"), c)

	h.LeaveAll(c.ConnID())
	if got := len(h.Rooms(c.ConnID())); got != 0 {
		t.Fatalf("rooms after LeaveAll = %d, want 0", got)
	}
	h.Broadcast(SessionRoom("s1"), Message{Type: "x"})
	h.Broadcast(ObserverGlobal(), Message{Type: "x"})
	if got := len(c.received()); got != 0 {
		t.Fatalf("disconnected client received %d messages", got)
	}
}

func TestHubDrop(t *testing.T) {
	h := NewHub(nil, nil)
	a := &fakeClient{id: "a"}
	b := &fakeClient{id: "b"}
	room := SessionRoom("s1")

	h.Join(room, a)
	h.Join(room, b)
	h.Join(ObserverGlobal(), b)

	h.Drop(room)
	if got := h.MemberCount(room); got != 0 {
		t.Fatalf("member count after Drop = %d, want 0", got)
	}
	// unrelated memberships survive
	if got := h.MemberCount(ObserverGlobal()); got != 1 {
		t.Fatalf("observer-global count = %d, want 1", got)
	}
}

func TestRoomString(t *testing.T) {
	tests := []struct {
		room Room
		want string
	}{
		{SessionRoom("s1"), "session:s1"},
		{ObserverGlobal(), "observer-global"},
		{ObserverExamRoom("e1"), "observer-exam:e1"},
		{StatsRoom(), "stats-subscribers"},
	}
	for _, tt := range tests {
		if got := tt.room.String(); got != tt.want {
			t.Errorf("Room.String() = %q, want %q", got, tt.want)
		}
	}
}
