package ledger

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
)

// fileLedger keeps one key per line. The file is read once on open and
// only appended to afterwards; each append is fsynced before returning.
type fileLedger struct {
	mu       sync.Mutex
	path     string
	readOnly bool
	keys     map[Key]struct{}
	order    []Key
	f        *os.File

	// needsNewline is set when an operator left the last line unterminated.
	needsNewline bool
}

func openFile(path string, readOnly bool) (*fileLedger, error) {
	l := &fileLedger{path: path, readOnly: readOnly, keys: make(map[Key]struct{})}

	keys, err := readLines(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	for _, k := range keys {
		if _, dup := l.keys[k]; dup {
			continue
		}
		l.keys[k] = struct{}{}
		l.order = append(l.order, k)
	}
	if readOnly {
		return l, nil
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %w", ErrLedgerIO, path, err)
	}
	l.f = f

	unterminated, err := endsWithoutNewline(path)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	l.needsNewline = unterminated
	return l, nil
}

func (l *fileLedger) HasDelivered(_ context.Context, key Key) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.keys[key]
	return ok, nil
}

func (l *fileLedger) RecordDelivered(_ context.Context, key Key) error {
	if err := key.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrLedgerIO, err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.f == nil {
		return fmt.Errorf("%w: %s opened read-only", ErrLedgerIO, l.path)
	}
	if _, ok := l.keys[key]; ok {
		return nil
	}

	line := key.String() + "\n"
	if l.needsNewline {
		line = "\n" + line
	}
	if _, err := l.f.WriteString(line); err != nil {
		return fmt.Errorf("%w: append %s: %w", ErrLedgerIO, l.path, err)
	}
	if err := l.f.Sync(); err != nil {
		return fmt.Errorf("%w: sync %s: %w", ErrLedgerIO, l.path, err)
	}
	l.needsNewline = false
	l.keys[key] = struct{}{}
	l.order = append(l.order, key)
	return nil
}

func (l *fileLedger) Keys(context.Context) ([]Key, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Key(nil), l.order...), nil
}

func (l *fileLedger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return nil
	}
	err := l.f.Close()
	l.f = nil
	if err != nil {
		return fmt.Errorf("%w: close %s: %w", ErrLedgerIO, l.path, err)
	}
	return nil
}

// readLines parses a ledger file. A missing file is reported as
// os.ErrNotExist so callers can treat it as empty.
func readLines(path string) ([]Key, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: open %s: %w", ErrLedgerIO, path, err)
	}
	defer f.Close()

	var keys []Key
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		if k, ok := ParseKey(sc.Text()); ok {
			keys = append(keys, k)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("%w: read %s: %w", ErrLedgerIO, path, err)
	}
	return keys, nil
}

func endsWithoutNewline(path string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, fmt.Errorf("%w: open %s: %w", ErrLedgerIO, path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return false, fmt.Errorf("%w: stat %s: %w", ErrLedgerIO, path, err)
	}
	if info.Size() == 0 {
		return false, nil
	}
	buf := make([]byte, 1)
	if _, err := f.ReadAt(buf, info.Size()-1); err != nil && !errors.Is(err, io.EOF) {
		return false, fmt.Errorf("%w: read %s: %w", ErrLedgerIO, path, err)
	}
	return buf[0] != '\n', nil
}
