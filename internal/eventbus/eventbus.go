// Package eventbus is an in-process topic pub/sub with append-only JSONL
// persistence per request; subscribers replay the file before joining
// the live stream. Grounded on the teacher's per-station JSONL status
// idiom (internal/engine/state.go) generalized to a multi-subscriber bus,
// with the replay-then-stream shape of maruel/caic's SSE handler
// (backend/internal/server/server.go handleTaskEvents).
package eventbus

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/re-cinq/conduit/internal/fileutil"
)

// Event is one published occurrence, persisted as one JSONL line.
type Event struct {
	RequestID string          `json:"request_id"`
	EventType string          `json:"event_type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// Bus is a per-project event bus. Writes for a given requestId are
// serialized; readers (Replay, Subscribe) take the same per-file lock
// and read a snapshot of the whole file while holding it.
type Bus struct {
	dir string

	mu          sync.Mutex
	fileLocks   map[string]*sync.Mutex
	subscribers map[string][]chan Event // keyed by requestId
}

// New creates a Bus that persists event logs under dir (one file per
// requestId, named "<requestId>.jsonl").
func New(dir string) *Bus {
	return &Bus{
		dir:         dir,
		fileLocks:   make(map[string]*sync.Mutex),
		subscribers: make(map[string][]chan Event),
	}
}

func (b *Bus) logPath(requestID string) string {
	return filepath.Join(b.dir, requestID+".jsonl")
}

func (b *Bus) lockFor(requestID string) *sync.Mutex {
	b.mu.Lock()
	defer b.mu.Unlock()
	l, ok := b.fileLocks[requestID]
	if !ok {
		l = &sync.Mutex{}
		b.fileLocks[requestID] = l
	}
	return l
}

// Publish appends the event to its requestId's JSONL log and fans it out
// to any live subscribers for that requestId. The append and the fan-out
// happen under the same per-file lock so readers that open a fresh
// subscription concurrently see a consistent split between "replayed
// from file" and "observed live".
func (b *Bus) Publish(requestID, eventType string, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshaling event data: %w", err)
	}
	ev := Event{RequestID: requestID, EventType: eventType, Timestamp: time.Now().UTC(), Data: raw}

	lock := b.lockFor(requestID)
	lock.Lock()
	defer lock.Unlock()

	if err := fileutil.EnsureDir(b.dir); err != nil {
		return err
	}
	line, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(b.logPath(requestID), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("opening event log: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("appending event: %w", err)
	}

	b.mu.Lock()
	subs := append([]chan Event(nil), b.subscribers[requestID]...)
	b.mu.Unlock()
	for _, ch := range subs {
		select {
		case ch <- ev:
		default:
			// Slow subscriber: drop rather than block the publisher: the
			// persisted JSONL log remains the source of truth for replay.
		}
	}
	return nil
}

// Replay reads all persisted events for requestId in write order.
func (b *Bus) Replay(requestID string) ([]Event, error) {
	lock := b.lockFor(requestID)
	lock.Lock()
	defer lock.Unlock()
	return b.readAll(requestID)
}

func (b *Bus) readAll(requestID string) ([]Event, error) {
	f, err := os.Open(b.logPath(requestID))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("opening event log: %w", err)
	}
	defer f.Close()

	var events []Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)
	for scanner.Scan() {
		var ev Event
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			continue
		}
		events = append(events, ev)
	}
	if err := scanner.Err(); err != nil {
		return events, fmt.Errorf("reading event log: %w", err)
	}
	return events, nil
}

// Subscription is a live event channel plus the historical events that
// preceded it, as required by the spec's "replay then stream" contract.
type Subscription struct {
	Historical []Event
	Live       <-chan Event
	Close      func()
}

// Subscribe replays the historical JSONL log, then returns a channel
// that receives every subsequently published event for requestId.
// Callers MUST call Close when done to avoid leaking the channel
// registration.
func (b *Bus) Subscribe(requestID string) (*Subscription, error) {
	lock := b.lockFor(requestID)
	lock.Lock()
	historical, err := b.readAll(requestID)
	if err != nil {
		lock.Unlock()
		return nil, err
	}

	ch := make(chan Event, 64)
	b.mu.Lock()
	b.subscribers[requestID] = append(b.subscribers[requestID], ch)
	b.mu.Unlock()
	lock.Unlock()

	closeFn := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.subscribers[requestID]
		for i, c := range subs {
			if c == ch {
				b.subscribers[requestID] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		// Deliberately not closed: Publish may be mid-send on a
		// snapshot taken just before this removal. Dropping the
		// reference after removal lets it be GC'd without a
		// send-on-closed-channel race.
	}

	return &Subscription{Historical: historical, Live: ch, Close: closeFn}, nil
}
