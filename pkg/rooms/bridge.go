package rooms

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"examsentry/pkg/structlog"
)

const bridgeChannel = "examsentry:rooms"

// Bridge relays room broadcasts through Redis pub/sub so a violation
// reported to one instance reaches observers connected to another.
type Bridge struct {
	client     *redis.Client
	instanceID string
	log        *structlog.Logger
	onRemote   func(room Room, msg Message)
}

type bridgeFrame struct {
	Instance string  `json:"instance"`
	RoomKind int     `json:"room_kind"`
	RoomID   string  `json:"room_id,omitempty"`
	Message  Message `json:"message"`
}

// NewBridge creates a pub/sub bridge. A nil client disables bridging.
func NewBridge(client *redis.Client, log *structlog.Logger) *Bridge {
	if log == nil {
		log = structlog.NewLogger("rooms-bridge", structlog.LevelInfo, nil)
	}
	return &Bridge{
		client:     client,
		instanceID: uuid.New().String(),
		log:        log,
	}
}

// Run subscribes to the bridge channel and re-delivers remote broadcasts
// to local room members. Blocks until ctx is cancelled.
func (b *Bridge) Run(ctx context.Context) {
	if b == nil || b.client == nil {
		return
	}
	sub := b.client.Subscribe(ctx, bridgeChannel)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case payload, ok := <-ch:
			if !ok {
				return
			}
			b.handle(payload.Payload)
		case <-ctx.Done():
			return
		}
	}
}

func (b *Bridge) handle(payload string) {
	var frame bridgeFrame
	if err := json.Unmarshal([]byte(payload), &frame); err != nil {
		b.log.Warn("malformed bridge frame", structlog.Fields{"error": err.Error()})
		return
	}
	if frame.Instance == b.instanceID {
		return // our own broadcast echoed back
	}
	if b.onRemote != nil {
		b.onRemote(Room{Kind: Kind(frame.RoomKind), ID: frame.RoomID}, frame.Message)
	}
}

func (b *Bridge) publish(room Room, msg Message) {
	if b == nil || b.client == nil {
		return
	}
	frame := bridgeFrame{
		Instance: b.instanceID,
		RoomKind: int(room.Kind),
		RoomID:   room.ID,
		Message:  msg,
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}
	if err := b.client.Publish(context.Background(), bridgeChannel, data).Err(); err != nil {
		b.log.Warn("bridge publish failed", structlog.Fields{
			"room":  room.Kind.String() + keySuffix(room.ID),
			"error": err.Error(),
		})
	}
}

func keySuffix(id string) string {
	if id == "" {
		return ""
	}
	return ":" + id
}
