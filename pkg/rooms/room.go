package rooms

import "fmt"

// Kind tags a room namespace. Structured keys prevent accidental
// collisions between namespaces that plain string concatenation invites.
type Kind int

const (
	KindSession Kind = iota
	KindObserverGlobal
	KindObserverExam
	KindStats
)

func (k Kind) String() string {
	switch k {
	case KindSession:
		return "session"
	case KindObserverGlobal:
		return "observer-global"
	case KindObserverExam:
		return "observer-exam"
	case KindStats:
		return "stats-subscribers"
	default:
		return "unknown"
	}
}

// Room is a named broadcast group.
type Room struct {
	Kind Kind
	ID   string // empty for global/stats rooms
}

func (r Room) String() string {
	if r.ID == "" {
		return r.Kind.String()
	}
	return fmt.Sprintf("%s:%s", r.Kind, r.ID)
}

// SessionRoom is the room holding one session's owner and any observer
// actively watching that session.
func SessionRoom(sessionID string) Room {
	return Room{Kind: KindSession, ID: sessionID}
}

// ObserverGlobal holds all authenticated observers.
func ObserverGlobal() Room {
	return Room{Kind: KindObserverGlobal}
}

// ObserverExamRoom holds observers scoped to a single exam.
func ObserverExamRoom(examID string) Room {
	return Room{Kind: KindObserverExam, ID: examID}
}

// StatsRoom holds dashboard statistics subscribers.
func StatsRoom() Room {
	return Room{Kind: KindStats}
}
