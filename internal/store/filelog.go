package store

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/marketbeam/tickstore/internal/candle"
	"github.com/marketbeam/tickstore/internal/interval"
	"github.com/marketbeam/tickstore/internal/logger"
)

const (
	fileLogExt = ".jsonl"

	opAppend  = "append"
	opReplace = "replace"
)

// fileRecord is one line of the log. Replacements are appended rather than
// rewritten in place so the file stays a faithful audit trail.
type fileRecord struct {
	Op     string        `json:"op"`
	Candle candle.Candle `json:"candle"`
}

// FileLog is the default Durable: one append-only JSONL file per series under
// a base directory. Each series is replayed into memory on first touch, so
// reads never reparse the file and idempotence checks are O(1).
type FileLog struct {
	dir string
	log *zap.SugaredLogger

	mu     sync.Mutex
	series map[Key]*fileSeries
	closed bool
}

type fileSeries struct {
	mu      sync.Mutex
	f       *os.File
	w       *bufio.Writer
	byStart map[int64]candle.Candle // unix seconds -> candle
}

func NewFileLog(dir string, log *zap.SugaredLogger) (*FileLog, error) {
	if log == nil {
		log = logger.Nop()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("file log: %w", err)
	}
	return &FileLog{dir: dir, log: log, series: make(map[Key]*fileSeries)}, nil
}

// Instrument symbols may contain path-hostile characters (Upstox keys carry
// a pipe), so the filename encodes them.
func (fl *FileLog) path(key Key) string {
	name := url.PathEscape(key.Instrument) + "__" + string(key.Granularity) + fileLogExt
	return filepath.Join(fl.dir, name)
}

func keyFromFilename(name string) (Key, bool) {
	name = strings.TrimSuffix(name, fileLogExt)
	i := strings.LastIndex(name, "__")
	if i < 0 {
		return Key{}, false
	}
	instrument, err := url.PathUnescape(name[:i])
	if err != nil {
		return Key{}, false
	}
	g, err := interval.Parse(name[i+2:])
	if err != nil {
		return Key{}, false
	}
	return Key{Instrument: instrument, Granularity: g}, true
}

func (fl *FileLog) load(key Key) (*fileSeries, error) {
	fl.mu.Lock()
	defer fl.mu.Unlock()
	if fl.closed {
		return nil, fmt.Errorf("file log: closed")
	}
	if fs, ok := fl.series[key]; ok {
		return fs, nil
	}

	path := fl.path(key)
	if err := fl.truncatePartialTail(path); err != nil {
		return nil, err
	}
	fs := &fileSeries{byStart: make(map[int64]candle.Candle)}
	if err := fl.replay(path, key, fs); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("file log %s: %w", path, err)
	}
	fs.f = f
	fs.w = bufio.NewWriter(f)
	fl.series[key] = fs
	return fs, nil
}

// truncatePartialTail drops a half-written final record left by a crash, so
// the next append starts on a clean line.
func (fl *FileLog) truncatePartialTail(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("file log %s: %w", path, err)
	}
	if len(data) == 0 || data[len(data)-1] == '\n' {
		return nil
	}
	cut := 0
	if i := strings.LastIndexByte(string(data), '\n'); i >= 0 {
		cut = i + 1
	}
	fl.log.Warnw("truncating half-written record at end of log",
		"file", path, "dropped_bytes", len(data)-cut)
	return os.Truncate(path, int64(cut))
}

// replay rebuilds the in-memory index from disk. A truncated final line (the
// process died mid-write) is skipped with a warning; duplicate appends keep
// the first occurrence; replace records overwrite.
func (fl *FileLog) replay(path string, key Key, fs *fileSeries) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("file log %s: %w", path, err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	line := 0
	for sc.Scan() {
		line++
		raw := sc.Bytes()
		if len(raw) == 0 {
			continue
		}
		var rec fileRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			fl.log.Warnw("skipping unparseable log line, likely a truncated write",
				"file", path, "line", line, "error", err)
			continue
		}
		start := rec.Candle.BucketStart.UTC().Unix()
		switch rec.Op {
		case opAppend:
			if existing, ok := fs.byStart[start]; ok {
				if !existing.Equal(rec.Candle) {
					fl.log.Warnw("conflicting duplicate in log, keeping first",
						"series", key, "bucket", rec.Candle.BucketStart, "line", line)
				}
				continue
			}
			fs.byStart[start] = rec.Candle
		case opReplace:
			fs.byStart[start] = rec.Candle
		default:
			fl.log.Warnw("unknown log record op", "file", path, "line", line, "op", rec.Op)
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("file log %s: %w", path, err)
	}
	return nil
}

func (fl *FileLog) write(fs *fileSeries, rec fileRecord) error {
	buf, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if _, err := fs.w.Write(append(buf, '\n')); err != nil {
		return err
	}
	if err := fs.w.Flush(); err != nil {
		return err
	}
	return fs.f.Sync()
}

func (fl *FileLog) Append(ctx context.Context, c candle.Candle) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	key := Key{Instrument: c.Instrument, Granularity: c.Granularity}
	fs, err := fl.load(key)
	if err != nil {
		return err
	}
	fs.mu.Lock()
	defer fs.mu.Unlock()
	start := c.BucketStart.UTC().Unix()
	if existing, ok := fs.byStart[start]; ok {
		if existing.Equal(c) {
			return nil
		}
		return &candle.DuplicateBucketError{Existing: existing, Incoming: c}
	}
	if err := fl.write(fs, fileRecord{Op: opAppend, Candle: c}); err != nil {
		return fmt.Errorf("file log append %s: %w", key, err)
	}
	fs.byStart[start] = c
	return nil
}

func (fl *FileLog) Replace(ctx context.Context, c candle.Candle) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	key := Key{Instrument: c.Instrument, Granularity: c.Granularity}
	fs, err := fl.load(key)
	if err != nil {
		return err
	}
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if err := fl.write(fs, fileRecord{Op: opReplace, Candle: c}); err != nil {
		return fmt.Errorf("file log replace %s: %w", key, err)
	}
	fs.byStart[c.BucketStart.UTC().Unix()] = c
	return nil
}

func (fl *FileLog) sorted(fs *fileSeries) []candle.Candle {
	fs.mu.Lock()
	out := make([]candle.Candle, 0, len(fs.byStart))
	for _, c := range fs.byStart {
		out = append(out, c)
	}
	fs.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].BucketStart.Before(out[j].BucketStart) })
	return out
}

func (fl *FileLog) LoadRange(ctx context.Context, key Key, from, to time.Time) ([]candle.Candle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	fs, err := fl.load(key)
	if err != nil {
		return nil, err
	}
	return filterRange(fl.sorted(fs), from.UTC(), to.UTC()), nil
}

func (fl *FileLog) LoadLatest(ctx context.Context, key Key, n int) ([]candle.Candle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	fs, err := fl.load(key)
	if err != nil {
		return nil, err
	}
	all := fl.sorted(fs)
	if len(all) > n {
		all = all[len(all)-n:]
	}
	return all, nil
}

func (fl *FileLog) Keys(ctx context.Context) ([]Key, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(fl.dir)
	if err != nil {
		return nil, fmt.Errorf("file log: %w", err)
	}
	var keys []Key
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), fileLogExt) {
			continue
		}
		if key, ok := keyFromFilename(e.Name()); ok {
			keys = append(keys, key)
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys, nil
}

func (fl *FileLog) Close() error {
	fl.mu.Lock()
	defer fl.mu.Unlock()
	if fl.closed {
		return nil
	}
	fl.closed = true
	var first error
	for key, fs := range fl.series {
		fs.mu.Lock()
		if err := fs.w.Flush(); err != nil && first == nil {
			first = fmt.Errorf("file log close %s: %w", key, err)
		}
		if err := fs.f.Close(); err != nil && first == nil {
			first = fmt.Errorf("file log close %s: %w", key, err)
		}
		fs.mu.Unlock()
	}
	return first
}
