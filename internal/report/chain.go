package report

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/cgg-gothenburg/seq-courier/internal/transfer"
)

const headsFile = "chain-heads.json"

var (
	// ErrChainBroken is returned by VerifyChain when an event was altered,
	// removed or reordered.
	ErrChainBroken = errors.New("audit chain broken")
)

// ComputeEventHash hashes the canonical JSON form of evt with the
// event_hash field cleared.
func ComputeEventHash(evt *PassEvent) string {
	c := *evt
	c.Chain.EventHash = ""

	canonical, err := json.Marshal(c)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(canonical)
	return "sha256:" + hex.EncodeToString(sum[:])
}

type head struct {
	Hash string `json:"hash"`
	Seq  int64  `json:"seq"`
}

// Chain appends pass events to a directory and tracks the head of each
// destination's chain in stateDir.
type Chain struct {
	mu        sync.Mutex
	dir       string
	headsPath string
	heads     map[string]head
}

// OpenChain loads the chain heads. Events are written to dir; heads are
// kept in stateDir, or in dir when stateDir is empty.
func OpenChain(dir, stateDir string) (*Chain, error) {
	headsPath := headsLocation(dir, stateDir)
	if err := os.MkdirAll(filepath.Dir(headsPath), 0o755); err != nil {
		return nil, fmt.Errorf("create chain state dir: %w", err)
	}
	heads, err := loadHeads(headsPath)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	if heads == nil {
		heads = make(map[string]head)
	}
	return &Chain{dir: dir, headsPath: headsPath, heads: heads}, nil
}

func headsLocation(dir, stateDir string) string {
	if stateDir == "" {
		stateDir = dir
	}
	return filepath.Join(stateDir, headsFile)
}

// loadHeads reads the heads file; a missing file is returned as
// os.ErrNotExist.
func loadHeads(path string) (map[string]head, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
		return nil, fmt.Errorf("read chain heads: %w", err)
	}
	heads := make(map[string]head)
	if err := json.Unmarshal(data, &heads); err != nil {
		return nil, fmt.Errorf("parse chain heads: %w", err)
	}
	return heads, nil
}

// Append records a pass that wrote the audit table at auditPath and
// returns the written event path.
func (c *Chain) Append(result transfer.Result, auditPath string, producer ProducerInfo) (string, error) {
	audit := AuditInfo{File: filepath.Base(auditPath)}
	if auditPath != "" {
		sum, err := FileChecksum(auditPath)
		if err != nil {
			return "", err
		}
		rows, err := Read(auditPath)
		if err != nil {
			return "", err
		}
		audit.Checksum = sum
		audit.Rows = int64(len(rows))
	}
	evt := newPassEvent(result, audit, producer)

	c.mu.Lock()
	defer c.mu.Unlock()

	prev := c.heads[evt.ChainKey()]
	evt.EventID = "evt_" + uuid.NewString()
	evt.Chain.Seq = prev.Seq + 1
	evt.Chain.PrevEventHash = prev.Hash
	evt.Chain.EventHash = ComputeEventHash(evt)

	path := filepath.Join(c.dir, eventFileName(evt))
	if err := writeJSONAtomic(path, evt); err != nil {
		return "", fmt.Errorf("write pass event: %w", err)
	}

	c.heads[evt.ChainKey()] = head{Hash: evt.Chain.EventHash, Seq: evt.Chain.Seq}
	if err := writeJSONAtomic(c.headsPath, c.heads); err != nil {
		return path, fmt.Errorf("save chain heads: %w", err)
	}
	return path, nil
}

func eventFileName(evt *PassEvent) string {
	return fmt.Sprintf("event_%s_%s.json", evt.Pass.Started.Format("20060102T150405Z"), evt.Pass.ID)
}

func writeJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// VerifyChain checks every event file in dir: each hash must match its
// content, each event must link to the one before it in its chain, and
// the newest event of each chain must be the head recorded in stateDir.
// It returns the number of events checked.
func VerifyChain(dir, stateDir string) (int, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "event_*.json"))
	if err != nil {
		return 0, err
	}

	chains := make(map[string][]*PassEvent)
	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			return 0, fmt.Errorf("read %s: %w", path, err)
		}
		var evt PassEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			return 0, fmt.Errorf("%w: %s: %w", ErrChainBroken, filepath.Base(path), err)
		}
		if got := ComputeEventHash(&evt); got != evt.Chain.EventHash {
			return 0, fmt.Errorf("%w: %s: hash mismatch", ErrChainBroken, filepath.Base(path))
		}
		chains[evt.ChainKey()] = append(chains[evt.ChainKey()], &evt)
	}

	heads, err := loadHeads(headsLocation(dir, stateDir))
	switch {
	case errors.Is(err, os.ErrNotExist):
		if len(matches) > 0 {
			return len(matches), fmt.Errorf("%w: %s is missing", ErrChainBroken, headsFile)
		}
		return 0, nil
	case err != nil:
		return 0, err
	}

	keys := make([]string, 0, len(chains)+len(heads))
	for k := range chains {
		keys = append(keys, k)
	}
	for k := range heads {
		if _, ok := chains[k]; !ok {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	var errs []string
	for _, key := range keys {
		if msg := verifyLinks(key, chains[key], heads[key]); msg != "" {
			errs = append(errs, msg)
		}
	}
	if len(errs) > 0 {
		return len(matches), fmt.Errorf("%w: %s", ErrChainBroken, strings.Join(errs, "; "))
	}
	return len(matches), nil
}

// verifyLinks checks one chain against its recorded head and returns a
// description of the first break, or "".
func verifyLinks(key string, events []*PassEvent, h head) string {
	sort.Slice(events, func(i, j int) bool { return events[i].Chain.Seq < events[j].Chain.Seq })
	prev := ""
	for i, evt := range events {
		if evt.Chain.Seq != int64(i+1) {
			return fmt.Sprintf("%s: event %d missing", key, i+1)
		}
		if evt.Chain.PrevEventHash != prev {
			return fmt.Sprintf("%s: event %d does not link to its predecessor", key, evt.Chain.Seq)
		}
		prev = evt.Chain.EventHash
	}
	if int64(len(events)) != h.Seq || prev != h.Hash {
		return fmt.Sprintf("%s: head is event %d but %d event(s) remain", key, h.Seq, len(events))
	}
	return ""
}
