package ledger

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	recordVersion    = 1
	recordPosition   = "position"
	recordTransition = "transition"
)

// Transition is the journal form of a status change.
type Transition struct {
	PositionID string     `json:"position_id"`
	To         Status     `json:"to"`
	Profit     *float64   `json:"profit,omitempty"`
	At         *time.Time `json:"at,omitempty"`
}

// Record is one versioned journal line.
type Record struct {
	V          int         `json:"v"`
	Type       string      `json:"type"`
	At         time.Time   `json:"at"`
	Position   *Position   `json:"position,omitempty"`
	Transition *Transition `json:"transition,omitempty"`
}

// Journal is an append-only JSONL file. One record per position submission or
// status transition; replaying the file reconstructs the full ledger.
type Journal struct {
	mu   sync.Mutex
	path string
}

func OpenJournal(path string) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	return &Journal{path: path}, nil
}

func (j *Journal) append(rec Record) error {
	rec.V = recordVersion
	if rec.At.IsZero() {
		rec.At = time.Now().UTC()
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	f, err := os.OpenFile(j.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		return err
	}
	return f.Sync()
}

func (j *Journal) writePosition(p Position) error {
	return j.append(Record{Type: recordPosition, Position: &p})
}

func (j *Journal) writeTransition(t Transition) error {
	return j.append(Record{Type: recordTransition, Transition: &t})
}

// Replay reads every record in order. Unknown record types are skipped so a
// newer journal can still be read by an older build.
func (j *Journal) Replay() ([]Record, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	f, err := os.Open(j.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var out []Record
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	line := 0
	for sc.Scan() {
		line++
		var rec Record
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			return nil, fmt.Errorf("journal line %d: %w", line, err)
		}
		switch rec.Type {
		case recordPosition, recordTransition:
			out = append(out, rec)
		}
	}
	return out, sc.Err()
}

// WritableCheck verifies the journal file can be appended to; used by the
// ledger health probe.
func (j *Journal) WritableCheck() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	f, err := os.OpenFile(j.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	return f.Close()
}

func (j *Journal) Close() error { return nil }

// Snapshot is the full-ledger export written at shutdown. The journal stays
// authoritative on replay; the snapshot exists for inspection and tooling.
type Snapshot struct {
	V               int        `json:"v"`
	Name            string     `json:"name"`
	At              time.Time  `json:"at"`
	StartingBalance float64    `json:"starting_balance"`
	Balance         float64    `json:"balance"`
	Positions       []Position `json:"positions"`
}

// WriteSnapshot exports the current ledger state as one JSON document,
// written via temp file and rename.
func (l *Ledger) WriteSnapshot(path string) error {
	snap := Snapshot{
		V:               recordVersion,
		Name:            l.name,
		At:              time.Now().UTC(),
		StartingBalance: l.starting,
		Balance:         l.Balance(),
		Positions:       l.Positions(),
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".ledger-*.json")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// Writable exposes the journal check on the ledger, nil-journal safe.
func (l *Ledger) Writable() error {
	if l.journal == nil {
		return nil
	}
	return l.journal.WritableCheck()
}
