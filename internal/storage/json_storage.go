package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// ledgerFile is the on-disk layout of a JSONPersister.
type ledgerFile struct {
	Records     map[string]Snapshot `json:"records"`
	LastUpdated time.Time           `json:"last_updated"`
}

// JSONPersister keeps the whole ledger in one JSON file, rewritten atomically
// on every save.
type JSONPersister struct {
	mu       sync.Mutex
	filepath string
	data     ledgerFile
}

// NewJSONPersister opens or creates the ledger file at path.
func NewJSONPersister(path string) (*JSONPersister, error) {
	p := &JSONPersister{
		filepath: path,
		data:     ledgerFile{Records: make(map[string]Snapshot)},
	}

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating ledger directory: %w", err)
		}
	}

	if _, err := os.Stat(path); err == nil {
		if err := p.read(); err != nil {
			return nil, fmt.Errorf("failed to load existing ledger: %w", err)
		}
	}

	return p, nil
}

func (p *JSONPersister) read() error {
	data, err := os.ReadFile(p.filepath)
	if err != nil {
		return err
	}
	var f ledgerFile
	if err := json.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("decoding %s: %w", p.filepath, err)
	}
	if f.Records == nil {
		f.Records = make(map[string]Snapshot)
	}
	p.data = f
	return nil
}

func (p *JSONPersister) write() error {
	p.data.LastUpdated = time.Now().UTC()
	data, err := json.MarshalIndent(p.data, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding ledger: %w", err)
	}

	// Write to temp file first, then rename so readers never see a torn file
	tmpFile := p.filepath + ".tmp"
	if err := os.WriteFile(tmpFile, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmpFile, p.filepath)
}

// Save replaces the stored snapshot for one identity.
func (p *JSONPersister) Save(ctx context.Context, snap Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	ci := snap.Position.CI
	prev, existed := p.data.Records[ci]
	p.data.Records[ci] = snap
	if err := p.write(); err != nil {
		if existed {
			p.data.Records[ci] = prev
		} else {
			delete(p.data.Records, ci)
		}
		return fmt.Errorf("writing ledger file: %w", err)
	}
	return nil
}

// LoadAll returns every stored snapshot ordered by identity.
func (p *JSONPersister) LoadAll(ctx context.Context) ([]Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]Snapshot, 0, len(p.data.Records))
	for _, snap := range p.data.Records {
		out = append(out, snap)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Position.CI < out[j].Position.CI })
	return out, nil
}

var _ Persister = (*JSONPersister)(nil)
