// Package journal implements the append-only per-session event log and its
// sidecar metadata summary: one jsonl line per event carrying an arbitrary
// type/payload pair, plus an overwrite-in-place summary file, keeping
// session state in small flat files rather than a database.
package journal

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/duskcall/voxgate/internal/logger"
)

// Event is one line of a session's .jsonl log.
type Event struct {
	Timestamp string `json:"timestamp"`
	Type      string `json:"type"`
	Payload   any    `json:"payload,omitempty"`
}

// Meta is the sidecar summary maintained alongside the jsonl log.
type Meta struct {
	SessionID string `json:"sessionId"`
	CreatedAt string `json:"createdAt"`
	UpdatedAt string `json:"updatedAt"`
	Turns     int    `json:"turns"`
	Errors    int    `json:"errors"`
}

// TurnMessage is one derived conversation entry.
type TurnMessage struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

// Journal writes and reads the flat-file event log under BaseDir. Writes to
// one session's files are serialized by a per-session lock so concurrent
// appends from the relay actor never interleave partial lines.
type Journal struct {
	baseDir     string
	saveHistory bool

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New creates a Journal rooted at baseDir. When saveHistory is false every
// operation short-circuits to a no-op per the "save history" toggle.
func New(baseDir string, saveHistory bool) *Journal {
	return &Journal{
		baseDir:     baseDir,
		saveHistory: saveHistory,
		locks:       make(map[string]*sync.Mutex),
	}
}

func (j *Journal) lockFor(sessionID string) *sync.Mutex {
	j.mu.Lock()
	defer j.mu.Unlock()

	lock, ok := j.locks[sessionID]
	if !ok {
		lock = &sync.Mutex{}
		j.locks[sessionID] = lock
	}

	return lock
}

func (j *Journal) eventsPath(sessionID string) string {
	return filepath.Join(j.baseDir, sessionID+".jsonl")
}

func (j *Journal) metaPath(sessionID string) string {
	return filepath.Join(j.baseDir, sessionID+".meta.json")
}

// Append writes one event line and updates the sidecar meta file. It is a
// no-op when history saving is disabled.
func (j *Journal) Append(sessionID, eventType string, payload any) error {
	if !j.saveHistory {
		return nil
	}

	lock := j.lockFor(sessionID)
	lock.Lock()
	defer lock.Unlock()

	if err := os.MkdirAll(j.baseDir, 0o755); err != nil {
		return fmt.Errorf("journal: create base dir: %w", err)
	}

	now := time.Now().UTC().Format(time.RFC3339)

	event := Event{Timestamp: now, Type: eventType, Payload: payload}

	line, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("journal: marshal event: %w", err)
	}

	f, err := os.OpenFile(j.eventsPath(sessionID), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("journal: open log: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("journal: append line: %w", err)
	}

	return j.updateMeta(sessionID, eventType, now)
}

func (j *Journal) updateMeta(sessionID, eventType, now string) error {
	meta, err := j.readMetaFile(sessionID)
	if err != nil {
		meta = &Meta{SessionID: sessionID, CreatedAt: now}
	}

	meta.UpdatedAt = now

	if eventType == "turn_completed" {
		meta.Turns++
	}

	if strings.Contains(eventType, "error") {
		meta.Errors++
	}

	encoded, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("journal: marshal meta: %w", err)
	}

	if err := os.WriteFile(j.metaPath(sessionID), encoded, 0o644); err != nil {
		return fmt.Errorf("journal: write meta: %w", err)
	}

	return nil
}

func (j *Journal) readMetaFile(sessionID string) (*Meta, error) {
	data, err := os.ReadFile(j.metaPath(sessionID))
	if err != nil {
		return nil, err
	}

	var meta Meta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, err
	}

	return &meta, nil
}

// ListSessions enumerates sidecar meta files and returns them sorted by
// UpdatedAt descending. Unreadable or unparsable files are skipped. Returns
// an empty slice when history saving is disabled.
func (j *Journal) ListSessions() ([]Meta, error) {
	if !j.saveHistory {
		return []Meta{}, nil
	}

	entries, err := os.ReadDir(j.baseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return []Meta{}, nil
		}

		return nil, fmt.Errorf("journal: read base dir: %w", err)
	}

	metas := make([]Meta, 0, len(entries))

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".meta.json") {
			continue
		}

		data, err := os.ReadFile(filepath.Join(j.baseDir, entry.Name()))
		if err != nil {
			logger.Warn("journal: skipping unreadable meta file", "file", entry.Name(), "error", err)
			continue
		}

		var meta Meta
		if err := json.Unmarshal(data, &meta); err != nil {
			logger.Warn("journal: skipping unparsable meta file", "file", entry.Name(), "error", err)
			continue
		}

		metas = append(metas, meta)
	}

	sort.Slice(metas, func(i, k int) bool {
		return metas[i].UpdatedAt > metas[k].UpdatedAt
	})

	return metas, nil
}

// ReadEvents streams a session's jsonl log, skipping blank and malformed
// lines. Returns an empty slice when the file doesn't exist or history
// saving is disabled.
func (j *Journal) ReadEvents(sessionID string) ([]Event, error) {
	if !j.saveHistory {
		return []Event{}, nil
	}

	f, err := os.Open(j.eventsPath(sessionID))
	if err != nil {
		if os.IsNotExist(err) {
			return []Event{}, nil
		}

		return nil, fmt.Errorf("journal: open log: %w", err)
	}
	defer f.Close()

	events := make([]Event, 0)

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var event Event
		if err := json.Unmarshal([]byte(line), &event); err != nil {
			continue
		}

		events = append(events, event)
	}

	return events, nil
}

// DerivedHistory returns the last n turn_completed events as user/assistant
// message pairs, skipping empty-string entries. Nothing in the gateway calls
// this (neither the realtime relay nor the HTTP history endpoints); only the
// journal's own tests do, and the realtime relay never appends
// turn_completed events.
func (j *Journal) DerivedHistory(sessionID string, n int) ([]TurnMessage, error) {
	events, err := j.ReadEvents(sessionID)
	if err != nil {
		return nil, err
	}

	turns := make([]Event, 0, n)

	for _, e := range events {
		if e.Type != "turn_completed" {
			continue
		}

		turns = append(turns, e)
	}

	if len(turns) > n {
		turns = turns[len(turns)-n:]
	}

	messages := make([]TurnMessage, 0, len(turns)*2)

	for _, e := range turns {
		payload, ok := e.Payload.(map[string]any)
		if !ok {
			continue
		}

		if userText, ok := payload["userText"].(string); ok && userText != "" {
			messages = append(messages, TurnMessage{Role: "user", Text: userText})
		}

		if assistantText, ok := payload["assistantText"].(string); ok && assistantText != "" {
			messages = append(messages, TurnMessage{Role: "assistant", Text: assistantText})
		}
	}

	return messages, nil
}
