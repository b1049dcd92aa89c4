package testutil

import (
	"context"
	"sync"
	"testing"

	"github.com/bwmarrin/snowflake"
	notificationdomain "github.com/smallbiznis/settlement/internal/notification/domain"
)

// RecordingEmitter keeps every emitted notification in memory.
type RecordingEmitter struct {
	mu   sync.Mutex
	sent []notificationdomain.Notification
}

func (r *RecordingEmitter) Emit(_ context.Context, n notificationdomain.Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, n)
}

func (r *RecordingEmitter) Count(kind notificationdomain.Type) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	total := 0
	for _, n := range r.sent {
		if n.Type == kind {
			total++
		}
	}
	return total
}

func (r *RecordingEmitter) Sent() []notificationdomain.Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]notificationdomain.Notification, len(r.sent))
	copy(out, r.sent)
	return out
}

func NewNode(t testing.TB) *snowflake.Node {
	t.Helper()
	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	return node
}
