// Package queue implements the durable local queue used by the delivery
// agent: an append-only, newline-delimited JSON log of envelopes that have
// not yet been confirmed by the collector. Each producer process owns its
// own queue file; cross-process sharing is out of scope.
package queue

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/basket/agentlens/internal/envelope"
)

const (
	queueFileName      = "queue.jsonl"
	deadLetterFileName = "dead_letter.jsonl"

	// Scanner line cap. A single envelope payload larger than this is
	// treated as a malformed line, not a fatal condition.
	maxLineBytes = 4 << 20
)

// ErrUnreadable reports a queue file that cannot be opened or scanned at
// all. It is fatal for this producer's flush loop only; a restart after the
// underlying condition clears recovers the queue.
var ErrUnreadable = errors.New("queue: file unreadable")

// Entry wraps an envelope with delivery bookkeeping. It is created when a
// direct send fails, mutated on each retry, and deleted only after the
// gateway acknowledges terminal success (accepted or duplicate).
type Entry struct {
	Envelope       envelope.Envelope `json:"envelope"`
	AttemptCount   int               `json:"attempt_count"`
	NextEligibleAt time.Time         `json:"next_eligible_at"`
	EnqueuedAt     time.Time         `json:"enqueued_at"`
}

// DeadEntry is an entry that exhausted its retry budget, set aside for
// manual inspection.
type DeadEntry struct {
	Entry
	Reason   string    `json:"reason"`
	DeadAt   time.Time `json:"dead_at"`
	LastSeen string    `json:"last_error,omitempty"`
}

// Queue is the on-disk queue plus its dead-letter sibling. All file access
// is serialized by a single mutex so the direct-send path and the flush loop
// never interleave partial writes.
type Queue struct {
	mu       sync.Mutex
	path     string
	deadPath string
	logger   *slog.Logger

	skippedLines int64
	deadLettered int64
}

// Open prepares the queue under dir, creating the directory if needed.
func Open(dir string, logger *slog.Logger) (*Queue, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create queue directory: %w", err)
	}
	return &Queue{
		path:     filepath.Join(dir, queueFileName),
		deadPath: filepath.Join(dir, deadLetterFileName),
		logger:   logger,
	}, nil
}

// Path returns the queue file location.
func (q *Queue) Path() string { return q.path }

// DeadLetterPath returns the dead-letter file location.
func (q *Queue) DeadLetterPath() string { return q.deadPath }

// Append adds a new entry for env at the queue tail. The entry is
// immediately eligible for its first retry.
func (q *Queue) Append(env envelope.Envelope) error {
	now := time.Now().UTC()
	entry := Entry{
		Envelope:       env,
		AttemptCount:   0,
		NextEligibleAt: now,
		EnqueuedAt:     now,
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return appendLine(q.path, entry)
}

// Snapshot reads every parseable entry in enqueue order and returns a mark
// for how far into the file it read. Malformed lines are skipped with a
// recorded warning; they never abort processing of the rest. A file that
// cannot be opened at all returns ErrUnreadable.
//
// The mark must be handed back to Rewrite: Append keeps running while a
// drain pass is in flight, and the mark is how Rewrite knows which tail of
// the file it has never seen and must preserve.
func (q *Queue) Snapshot() ([]Entry, int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.readLocked()
}

// Len returns the number of parseable entries currently queued.
func (q *Queue) Len() (int, error) {
	entries, _, err := q.Snapshot()
	if err != nil {
		return 0, err
	}
	return len(entries), nil
}

// SkippedLines reports how many malformed lines were skipped since Open.
func (q *Queue) SkippedLines() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.skippedLines
}

// DeadLettered reports how many entries were moved to the dead-letter file
// since Open.
func (q *Queue) DeadLettered() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.deadLettered
}

// Rewrite atomically replaces the queue contents with the surviving entries,
// preserving their order. Called by the flush loop after a drain pass;
// entries that reached terminal success are simply absent from survivors.
// mark is the value the preceding Snapshot returned: any entries appended
// past it while the caller worked are re-read under the lock and carried
// into the new file, so a concurrent Append is never lost to the rename.
func (q *Queue) Rewrite(survivors []Entry, mark int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	appended, err := q.readTailLocked(mark)
	if err != nil {
		return err
	}
	return q.rewriteLocked(append(survivors, appended...))
}

// DeadLetter appends the entry to the dead-letter file. The caller is
// responsible for excluding it from the next Rewrite.
func (q *Queue) DeadLetter(entry Entry, reason, lastErr string) error {
	dead := DeadEntry{
		Entry:    entry,
		Reason:   reason,
		DeadAt:   time.Now().UTC(),
		LastSeen: lastErr,
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := appendLine(q.deadPath, dead); err != nil {
		return err
	}
	q.deadLettered++
	q.logger.Warn("queue: entry dead-lettered",
		"event_id", entry.Envelope.EventID,
		"attempts", entry.AttemptCount,
		"reason", reason)
	return nil
}

func (q *Queue) readLocked() ([]Entry, int64, error) {
	f, err := os.Open(q.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, nil
		}
		return nil, 0, fmt.Errorf("%w: %v", ErrUnreadable, err)
	}
	defer f.Close()

	// Append writes each full line in one call under the queue mutex, so
	// the file size is always a line boundary.
	info, err := f.Stat()
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrUnreadable, err)
	}
	entries, err := q.scanLocked(f)
	if err != nil {
		return nil, 0, err
	}
	return entries, info.Size(), nil
}

// readTailLocked re-reads the entries appended after mark.
func (q *Queue) readTailLocked(mark int64) ([]Entry, error) {
	f, err := os.Open(q.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrUnreadable, err)
	}
	defer f.Close()
	if _, err := f.Seek(mark, io.SeekStart); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreadable, err)
	}
	return q.scanLocked(f)
}

func (q *Queue) scanLocked(r io.Reader) ([]Entry, error) {
	var entries []Entry
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var entry Entry
		if err := json.Unmarshal(line, &entry); err != nil || entry.Envelope.EventID == "" {
			q.skippedLines++
			q.logger.Warn("queue: skipping malformed line", "line", lineNo, "error", err)
			continue
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreadable, err)
	}
	return entries, nil
}

func (q *Queue) rewriteLocked(survivors []Entry) error {
	if len(survivors) == 0 {
		if err := os.Remove(q.path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("truncate queue: %w", err)
		}
		return nil
	}
	tmp := q.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("create queue tmp: %w", err)
	}
	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	for _, entry := range survivors {
		if err := enc.Encode(entry); err != nil {
			_ = f.Close()
			_ = os.Remove(tmp)
			return fmt.Errorf("encode queue entry: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("flush queue tmp: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("sync queue tmp: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close queue tmp: %w", err)
	}
	if err := os.Rename(tmp, q.path); err != nil {
		return fmt.Errorf("replace queue file: %w", err)
	}
	return nil
}

func appendLine(path string, v any) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open %s: %w", filepath.Base(path), err)
	}
	defer f.Close()
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal entry: %w", err)
	}
	data = append(data, '\n')
	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("append %s: %w", filepath.Base(path), err)
	}
	return f.Sync()
}
