package wal

import (
	"bufio"
	"io"
	"os"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"matching/domain/orderbook"
	"matching/infra/sequence"
)

const DefaultSegmentSize = 64 << 20

type Config struct {
	Dir         string
	SegmentSize int64
	Serializer  Serializer
	Logger      *zap.Logger
}

// WAL is safe for one appender and any number of readers.
type WAL struct {
	mu sync.RWMutex

	dir     string
	segSize int64
	codec   Serializer
	log     *zap.Logger

	segments []*segment
	seq      *sequence.Sequencer
	broken   error

	now func() time.Time
}

// Open recovers the log in cfg.Dir, creating it when missing. A torn
// trailing write is cut off; any other damage returns ErrCorrupt.
func Open(cfg Config) (*WAL, error) {
	if cfg.SegmentSize <= 0 {
		cfg.SegmentSize = DefaultSegmentSize
	}
	if cfg.Serializer == nil {
		cfg.Serializer = JSONSerializer{}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "create wal dir")
	}

	w := &WAL{
		dir:     cfg.Dir,
		segSize: cfg.SegmentSize,
		codec:   cfg.Serializer,
		log:     cfg.Logger,
		now:     time.Now,
	}
	if err := w.recover(); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *WAL) recover() error {
	files, err := listSegments(w.dir)
	if err != nil {
		return err
	}

	var next uint64
	for i, path := range files {
		firstSeq, err := parseSegmentName(path)
		if err != nil {
			return err
		}
		if i > 0 && firstSeq != next {
			return errors.Wrapf(ErrCorrupt, "segment %d follows seq %d", firstSeq, next-1)
		}

		tail := i == len(files)-1
		seg, err := scanSegment(path, firstSeq, tail)
		if err != nil {
			return err
		}
		if tail {
			if err := cutTornTail(seg, w.log); err != nil {
				return err
			}
		}
		w.segments = append(w.segments, seg)
		next = seg.lastSeq() + 1
	}

	if len(w.segments) == 0 {
		seg := &segment{path: segmentPath(w.dir, 1), firstSeq: 1}
		w.segments = append(w.segments, seg)
	}

	active := w.active()
	f, err := os.OpenFile(active.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return errors.Wrap(err, "open active segment")
	}
	active.file = f
	w.seq = sequence.New(active.lastSeq())
	return nil
}

func cutTornTail(seg *segment, log *zap.Logger) error {
	fi, err := os.Stat(seg.path)
	if err != nil {
		return errors.Wrap(err, "stat tail segment")
	}
	if fi.Size() == seg.size {
		return nil
	}
	log.Warn("truncating torn wal tail",
		zap.String("segment", seg.path),
		zap.Int64("valid", seg.size),
		zap.Int64("size", fi.Size()),
	)
	if err := os.Truncate(seg.path, seg.size); err != nil {
		return errors.Wrap(err, "truncate torn tail")
	}
	return nil
}

func (w *WAL) active() *segment {
	return w.segments[len(w.segments)-1]
}

func (w *WAL) Dir() string { return w.dir }

// LastSeq is the highest appended sequence, 0 when empty.
func (w *WAL) LastSeq() uint64 {
	return w.seq.Current()
}

// FirstSeq is the lowest retained sequence.
func (w *WAL) FirstSeq() uint64 {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.segments[0].firstSeq
}

// -------------------- Append --------------------

// Append durably writes one result and returns the stored entry. When it
// returns an error nothing was appended and the sequence is not consumed.
func (w *WAL) Append(res *orderbook.MatchResult, delta *orderbook.BookDelta, src *Source) (*Entry, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.broken != nil {
		return nil, errors.Wrap(ErrBroken, w.broken.Error())
	}

	seq := w.seq.Peek()
	e := &Entry{
		Seq:        seq,
		Instrument: res.Instrument,
		Result:     res,
		BookDelta:  delta,
		Source:     src,
		AppendedAt: w.now().UnixNano(),
	}
	payload, err := w.codec.Encode(e)
	if err != nil {
		return nil, errors.Wrap(err, "encode wal entry")
	}
	if len(payload) > MaxPayload {
		return nil, errors.Errorf("wal entry of %d bytes exceeds limit", len(payload))
	}
	frame := encodeFrame(seq, payload)

	active := w.active()
	if active.size > 0 && active.size+int64(len(frame)) > w.segSize {
		if err := w.rotate(seq); err != nil {
			return nil, err
		}
		active = w.active()
	}

	off := active.size
	if _, err := active.file.Write(frame); err != nil {
		if terr := active.file.Truncate(off); terr != nil {
			w.broken = terr
		}
		return nil, errors.Wrap(err, "write wal frame")
	}
	if err := active.file.Sync(); err != nil {
		// The frame may or may not be on disk; nothing after it can be trusted.
		w.broken = err
		return nil, errors.Wrap(ErrBroken, err.Error())
	}

	active.offsets = append(active.offsets, off)
	active.size += int64(len(frame))
	if err := w.seq.Commit(seq); err != nil {
		w.broken = err
		return nil, err
	}
	return e, nil
}

func (w *WAL) rotate(firstSeq uint64) error {
	path := segmentPath(w.dir, firstSeq)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return errors.Wrap(err, "create segment")
	}
	syncDir(w.dir)

	prev := w.active()
	if err := prev.file.Close(); err != nil {
		w.log.Warn("closing sealed segment", zap.String("segment", prev.path), zap.Error(err))
	}
	prev.file = nil

	w.segments = append(w.segments, &segment{path: path, firstSeq: firstSeq, file: f})
	return nil
}

// -------------------- Read --------------------

// ReadFrom returns entries with seq >= from in ascending order, at most n
// of them (n <= 0 means all). Entries below the retained range are gone;
// the first returned entry then has a higher seq than from.
func (w *WAL) ReadFrom(from uint64, n int) ([]*Entry, error) {
	if from == 0 {
		from = 1
	}

	w.mu.RLock()
	views := make([]segment, 0, len(w.segments))
	for _, s := range w.segments {
		if s.count() > 0 && s.lastSeq() >= from {
			views = append(views, s.view())
		}
	}
	w.mu.RUnlock()

	var out []*Entry
	for i := range views {
		seg := &views[i]
		start := 0
		if from > seg.firstSeq {
			start = int(from - seg.firstSeq)
		}
		limit := 0
		if n > 0 {
			limit = n - len(out)
		}

		entries, err := w.readSegment(seg, start, limit)
		if err != nil {
			return out, err
		}
		out = append(out, entries...)
		if n > 0 && len(out) >= n {
			break
		}
	}
	return out, nil
}

func (w *WAL) readSegment(seg *segment, start, limit int) ([]*Entry, error) {
	f, err := os.Open(seg.path)
	if err != nil {
		return nil, errors.Wrap(err, "open segment")
	}
	defer f.Close()

	off := seg.offsets[start]
	if _, err := f.Seek(off, io.SeekStart); err != nil {
		return nil, errors.Wrap(err, "seek segment")
	}
	r := bufio.NewReader(io.LimitReader(f, seg.size-off))

	var out []*Entry
	for i := start; i < seg.count(); i++ {
		if limit > 0 && len(out) >= limit {
			break
		}
		want := seg.firstSeq + uint64(i)
		seq, payload, _, err := readFrame(r)
		if err != nil {
			return out, errors.Wrapf(ErrCorrupt, "%s: reading seq %d: %v", seg.path, want, err)
		}
		if seq != want {
			return out, errors.Wrapf(ErrCorrupt, "%s: seq %d where %d expected", seg.path, seq, want)
		}
		e, err := w.codec.Decode(payload)
		if err != nil {
			return out, errors.Wrapf(ErrCorrupt, "seq %d: %v", seq, err)
		}
		if e.Seq != seq {
			return out, errors.Wrapf(ErrCorrupt, "frame seq %d holds entry %d", seq, e.Seq)
		}
		out = append(out, e)
	}
	return out, nil
}

// -------------------- Retention --------------------

// TruncateBefore removes sealed segments whose entries are all <= seq. The
// active segment is never removed.
func (w *WAL) TruncateBefore(seq uint64) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	removed := 0
	for len(w.segments) > 1 {
		s := w.segments[0]
		if s.lastSeq() > seq {
			break
		}
		if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
			return removed, errors.Wrap(err, "remove segment")
		}
		w.segments = w.segments[1:]
		removed++
	}
	if removed > 0 {
		syncDir(w.dir)
	}
	return removed, nil
}

// Reset drops every entry. The next append gets seq 1.
func (w *WAL) Reset() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if f := w.active().file; f != nil {
		_ = f.Close()
	}
	for _, s := range w.segments {
		if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
			return errors.Wrap(err, "remove segment")
		}
	}

	path := segmentPath(w.dir, 1)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return errors.Wrap(err, "create segment")
	}
	syncDir(w.dir)

	w.segments = []*segment{{path: path, firstSeq: 1, file: f}}
	w.seq.Reset(0)
	w.broken = nil
	return nil
}

func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	f := w.active().file
	if f == nil {
		return nil
	}
	w.active().file = nil
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return errors.Wrap(err, "sync wal")
	}
	return f.Close()
}

func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	_ = d.Close()
}
