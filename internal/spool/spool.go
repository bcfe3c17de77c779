// Package spool provides the on-disk buffer the Collector falls back to
// when the broker is unreachable.
//
// Each accepted batch becomes one append-only gzip segment. Segments are
// replayed in FIFO order by the sweeper once the broker recovers, and are
// deleted only after the broker has acknowledged every event they carry.
// The spool is the recovery log: nothing here is deleted on shutdown.
package spool

import (
	"compress/gzip"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/lumilearn/backend/internal/events"
)

const (
	segmentSuffix   = ".json.gz"
	claimedSuffix   = ".claimed"
	corruptedSuffix = ".corrupted"
	expiredDir      = ".expired"
)

// Header is the first JSON object in a segment's gzip stream.
type Header struct {
	BatchID    string    `json:"batch_id"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// Segment is one decoded spool file.
type Segment struct {
	Path   string
	Header Header
	Events []events.Event
}

// Stats summarizes the spool for health reporting.
type Stats struct {
	Segments   int   `json:"segments"`
	Bytes      int64 `json:"bytes"`
	EventCount int   `json:"event_count,omitempty"`
}

// Spool writes and reads batch segments under a single directory.
// Segment creation is lock-free: names embed a UUID and the enqueue
// nanosecond timestamp, so concurrent writers never collide.
type Spool struct {
	dir    string
	maxAge time.Duration
}

// New ensures the spool directory (and its expired sideline) exists.
func New(dir string, maxAge time.Duration) (*Spool, error) {
	if maxAge <= 0 {
		maxAge = 30 * time.Minute
	}
	if err := os.MkdirAll(filepath.Join(dir, expiredDir), 0o755); err != nil {
		return nil, fmt.Errorf("create spool dir: %w", err)
	}
	return &Spool{dir: dir, maxAge: maxAge}, nil
}

// Write persists the whole batch as one segment and returns its path.
// The segment is written to a temp name and renamed into place so a crash
// mid-write never leaves a half-segment visible to the sweeper.
func (s *Spool) Write(batch *events.EventBatch) (string, error) {
	enqueued := time.Now()
	batchID := batch.BatchID
	if batchID == "" {
		batchID = uuid.New().String()
	}

	name := fmt.Sprintf("batch_%s_%d%s", uuid.New().String(), enqueued.UnixNano(), segmentSuffix)
	final := filepath.Join(s.dir, name)
	tmp := final + ".tmp"

	f, err := os.Create(tmp)
	if err != nil {
		return "", fmt.Errorf("create segment: %w", err)
	}

	gz := gzip.NewWriter(f)
	enc := json.NewEncoder(gz)
	writeErr := enc.Encode(Header{BatchID: batchID, EnqueuedAt: enqueued.UTC()})
	if writeErr == nil {
		writeErr = enc.Encode(batch.Events)
	}
	if err := gz.Close(); writeErr == nil {
		writeErr = err
	}
	if err := f.Close(); writeErr == nil {
		writeErr = err
	}
	if writeErr != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("write segment: %w", writeErr)
	}

	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("publish segment: %w", err)
	}
	return final, nil
}

// List returns segment paths in FIFO order (by embedded enqueue time).
// Claimed, corrupted, and expired files are excluded.
func (s *Spool) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read spool dir: %w", err)
	}

	type aged struct {
		path string
		ns   int64
	}
	var segs []aged
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), segmentSuffix) {
			continue
		}
		segs = append(segs, aged{
			path: filepath.Join(s.dir, e.Name()),
			ns:   enqueuedNanos(e.Name()),
		})
	}
	sort.Slice(segs, func(i, j int) bool { return segs[i].ns < segs[j].ns })

	out := make([]string, len(segs))
	for i, a := range segs {
		out[i] = a.path
	}
	return out, nil
}

// enqueuedNanos parses the trailing nanosecond timestamp out of
// batch_<uuid>_<ns>.json.gz. Unparseable names sort first so they are
// examined (and sidelined) promptly.
func enqueuedNanos(name string) int64 {
	base := strings.TrimSuffix(name, segmentSuffix)
	idx := strings.LastIndex(base, "_")
	if idx < 0 {
		return 0
	}
	ns, err := strconv.ParseInt(base[idx+1:], 10, 64)
	if err != nil {
		return 0
	}
	return ns
}

// Read decodes a segment. Callers sideline the file on error.
func (s *Spool) Read(path string) (*Segment, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open segment: %w", err)
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("segment gzip: %w", err)
	}
	defer gz.Close()

	dec := json.NewDecoder(gz)
	seg := &Segment{Path: path}
	if err := dec.Decode(&seg.Header); err != nil {
		return nil, fmt.Errorf("segment header: %w", err)
	}
	if err := dec.Decode(&seg.Events); err != nil {
		return nil, fmt.Errorf("segment events: %w", err)
	}
	return seg, nil
}

// Claim renames the segment so exactly one sweeper replays it. The claim
// is a filesystem rename: atomic, and it fails if another instance won.
func (s *Spool) Claim(path string) (string, error) {
	claimed := path + claimedSuffix
	if err := os.Rename(path, claimed); err != nil {
		return "", err
	}
	return claimed, nil
}

// Release undoes a claim after a failed replay so the segment stays
// eligible, preserving FIFO order by its original name.
func (s *Spool) Release(claimedPath string) error {
	return os.Rename(claimedPath, strings.TrimSuffix(claimedPath, claimedSuffix))
}

// Remove deletes a fully-acknowledged segment.
func (s *Spool) Remove(path string) error {
	return os.Remove(path)
}

// Sideline marks a segment corrupted in place.
func (s *Spool) Sideline(path string) error {
	return os.Rename(path, strings.TrimSuffix(path, claimedSuffix)+corruptedSuffix)
}

// Expire moves an over-age segment into the expired sideline directory.
// Expired segments are retained, not deleted; retention is operational.
func (s *Spool) Expire(path string) error {
	name := strings.TrimSuffix(filepath.Base(path), claimedSuffix)
	return os.Rename(path, filepath.Join(s.dir, expiredDir, name))
}

// Age reports how long ago the segment was enqueued, from its filename.
func (s *Spool) Age(path string, now time.Time) time.Duration {
	ns := enqueuedNanos(strings.TrimSuffix(filepath.Base(path), claimedSuffix))
	if ns == 0 {
		return 0
	}
	return now.Sub(time.Unix(0, ns))
}

// MaxAge is the configured expiry horizon.
func (s *Spool) MaxAge() time.Duration { return s.maxAge }

// Stats walks the spool directory for health reporting.
func (s *Spool) Stats() Stats {
	var st Stats
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return st
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), segmentSuffix) {
			continue
		}
		st.Segments++
		if info, err := e.Info(); err == nil {
			st.Bytes += info.Size()
		}
	}
	return st
}
