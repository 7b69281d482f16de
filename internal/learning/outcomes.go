package learning

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
)

// outcomeRecord is one versioned journal line.
type outcomeRecord struct {
	V int `json:"v"`
	Outcome
}

// outcomeJournal is the append-only JSONL record of every trade outcome, kept
// beside the aggregated model snapshot so individual outcomes survive the
// session that produced them.
type outcomeJournal struct {
	mu   sync.Mutex
	path string
}

func openOutcomeJournal(path string) (*outcomeJournal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	return &outcomeJournal{path: path}, nil
}

func (j *outcomeJournal) append(o Outcome) error {
	data, err := json.Marshal(outcomeRecord{V: modelVersion, Outcome: o})
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
