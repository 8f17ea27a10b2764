// Package dlq implements the file-backed Dead-Letter Queue: one JSON
// file per (adapter, requestId), exponential-backoff retry, exhaustion
// bookkeeping. Grounded on the teacher's whole-file-replace JSONL status
// idiom (internal/engine/state.go WriteStatus/ReadStatus).
package dlq

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/re-cinq/conduit/internal/fileutil"
)

// Config matches the spec's resilience.dlq config block.
type Config struct {
	Enabled       bool    `yaml:"enabled"`
	Path          string  `yaml:"path"`
	MaxRetries    int     `yaml:"max_retries"`
	BaseDelayMs   int     `yaml:"base_delay_ms"`
	BackoffFactor float64 `yaml:"backoff_factor"`
}

// Entry is the persisted shape of one undelivered event.
type Entry struct {
	Event       json.RawMessage `json:"event"`
	Error       string          `json:"error"`
	EnqueuedAt  time.Time       `json:"enqueued_at"`
	RetryCount  int             `json:"retry_count"`
	NextRetryAt time.Time       `json:"next_retry_at"`
	LastError   string          `json:"last_error,omitempty"`
}

// Queue is a per-adapter file-backed DLQ.
type Queue struct {
	cfg Config
}

func New(cfg Config) *Queue {
	return &Queue{cfg: cfg}
}

func (q *Queue) adapterDir(adapter string) string {
	return filepath.Join(q.cfg.Path, adapter)
}

func (q *Queue) entryPath(adapter, requestID string) string {
	return filepath.Join(q.adapterDir(adapter), requestID+".jsonl")
}

// Enqueue writes a new entry for requestID, a no-op if the queue is disabled.
func (q *Queue) Enqueue(adapter, requestID string, event any, deliveryErr error) error {
	if !q.cfg.Enabled {
		return nil
	}
	raw, err := json.Marshal(event)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	entry := Entry{
		Event:       raw,
		Error:       deliveryErr.Error(),
		EnqueuedAt:  now,
		RetryCount:  0,
		NextRetryAt: now.Add(time.Duration(q.cfg.BaseDelayMs) * time.Millisecond),
	}
	return q.writeEntry(adapter, requestID, &entry)
}

func (q *Queue) writeEntry(adapter, requestID string, entry *Entry) error {
	dir := q.adapterDir(adapter)
	if err := fileutil.EnsureDir(dir); err != nil {
		return err
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	// Whole-file replace, matching the spec's "single JSON object as the
	// only line" file contract and the teacher's WriteStatus idiom.
	return os.WriteFile(q.entryPath(adapter, requestID), append(data, '\n'), 0644)
}

func (q *Queue) readEntry(path string) (*Entry, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, err
	}
	return &entry, nil
}

// PendingEntry pairs an Entry with the requestId its file is named for.
type PendingEntry struct {
	RequestID string
	Entry     *Entry
}

// GetPending returns the latest entry for every request file in adapter's
// directory, sorted by requestId for deterministic iteration.
func (q *Queue) GetPending(adapter string) ([]PendingEntry, error) {
	dir := q.adapterDir(adapter)
	files, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var result []PendingEntry
	for _, f := range files {
		if f.IsDir() {
			continue
		}
		requestID := trimJSONLExt(f.Name())
		entry, err := q.readEntry(filepath.Join(dir, f.Name()))
		if err != nil || entry == nil {
			continue
		}
		result = append(result, PendingEntry{RequestID: requestID, Entry: entry})
	}
	sort.Slice(result, func(i, j int) bool { return result[i].RequestID < result[j].RequestID })
	return result, nil
}

func trimJSONLExt(name string) string {
	const suffix = ".jsonl"
	if len(name) > len(suffix) && name[len(name)-len(suffix):] == suffix {
		return name[:len(name)-len(suffix)]
	}
	return name
}

// RetryStats summarizes one processRetries pass (spec §4.4).
type RetryStats struct {
	Delivered int
	Failed    int
	Exhausted int
}

// DeliverFunc attempts delivery of the raw event payload; a non-nil
// return is treated as a delivery failure.
type DeliverFunc func(event json.RawMessage) error

// ProcessRetries walks adapter's pending entries whose NextRetryAt has
// elapsed. Entries at or past MaxRetries are deleted without invoking
// deliverFn (spec invariant 4); others are retried with exponential
// backoff on failure.
func (q *Queue) ProcessRetries(adapter string, deliverFn DeliverFunc) (RetryStats, error) {
	var stats RetryStats
	pending, err := q.GetPending(adapter)
	if err != nil {
		return stats, err
	}

	now := time.Now().UTC()
	for _, p := range pending {
		if p.Entry.NextRetryAt.After(now) {
			continue
		}

		if p.Entry.RetryCount >= q.cfg.MaxRetries {
			_ = os.Remove(q.entryPath(adapter, p.RequestID))
			stats.Exhausted++
			continue
		}

		if err := deliverFn(p.Entry.Event); err != nil {
			p.Entry.RetryCount++
			backoff := time.Duration(float64(q.cfg.BaseDelayMs)*pow(q.cfg.BackoffFactor, p.Entry.RetryCount)) * time.Millisecond
			p.Entry.NextRetryAt = now.Add(backoff)
			p.Entry.LastError = err.Error()
			if werr := q.writeEntry(adapter, p.RequestID, p.Entry); werr != nil {
				return stats, werr
			}
			stats.Failed++
			continue
		}

		_ = os.Remove(q.entryPath(adapter, p.RequestID))
		stats.Delivered++
	}
	return stats, nil
}

func pow(base float64, exp int) float64 {
	result := 1.0
	for i := 0; i < exp; i++ {
		result *= base
	}
	return result
}
