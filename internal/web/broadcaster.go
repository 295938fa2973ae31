package web

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/cjeanneret/stagescan/internal/debug"
)

// Event kinds sent on the status stream.
const (
	KindLog   = "log"
	KindState = "state"
)

// StatusEvent is a single message of the SSE status stream. Log events carry
// a journal record; state events carry a station snapshot in Data.
type StatusEvent struct {
	Time      string          `json:"t"`
	Kind      string          `json:"kind"`
	Level     string          `json:"l,omitempty"`
	Component string          `json:"component,omitempty"`
	Msg       string          `json:"msg,omitempty"`
	Details   string          `json:"details,omitempty"`
	Seq       uint64          `json:"seq,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// StatusBroadcaster distributes status events to multiple SSE clients.
type StatusBroadcaster struct {
	mu      sync.RWMutex
	clients map[chan string]struct{}
}

// NewStatusBroadcaster creates a new broadcaster.
func NewStatusBroadcaster() *StatusBroadcaster {
	return &StatusBroadcaster{
		clients: make(map[chan string]struct{}),
	}
}

// Subscribe returns a channel that receives broadcast messages and a cleanup function.
// The caller must call the returned cleanup when done (e.g. on client disconnect).
func (b *StatusBroadcaster) Subscribe() (<-chan string, func()) {
	ch := make(chan string, 64)
	b.mu.Lock()
	b.clients[ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.clients, ch)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, unsub
}

// Clients returns the number of subscribed clients.
func (b *StatusBroadcaster) Clients() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

// send fans evt out to every client. Slow clients miss events.
func (b *StatusBroadcaster) send(evt StatusEvent) {
	if evt.Time == "" {
		evt.Time = time.Now().Format(time.RFC3339)
	}
	data, err := json.Marshal(evt)
	if err != nil {
		return
	}
	payload := string(data)

	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.clients {
		select {
		case ch <- payload:
		default:
			// channel full, skip
		}
	}
}

// Broadcast sends a log message with level to all subscribed clients.
func (b *StatusBroadcaster) Broadcast(level, msg string) {
	b.send(StatusEvent{Kind: KindLog, Level: level, Msg: msg})
}

// BroadcastMsg is a convenience for level "info".
func (b *StatusBroadcaster) BroadcastMsg(msg string) {
	b.Broadcast("info", msg)
}

// BroadcastRecord sends one journal record.
func (b *StatusBroadcaster) BroadcastRecord(r debug.Record) {
	b.send(StatusEvent{
		Time:      r.Time.Format(time.RFC3339Nano),
		Kind:      KindLog,
		Level:     strings.ToLower(r.Level),
		Component: r.Component,
		Msg:       r.Message,
		Details:   r.Details,
		Seq:       r.Seq,
	})
}

// Publish sends v as the data of an event of the given kind.
func (b *StatusBroadcaster) Publish(kind string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	b.send(StatusEvent{Kind: kind, Data: data})
}

// Forward broadcasts every new record of j until ctx is done.
func (b *StatusBroadcaster) Forward(ctx context.Context, j *debug.Journal) {
	records, unsub := j.Subscribe()
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case r, ok := <-records:
			if !ok {
				return
			}
			b.BroadcastRecord(r)
		}
	}
}
