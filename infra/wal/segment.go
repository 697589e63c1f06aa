package wal

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

const segmentPattern = "segment-*.wal"

// segment is the in-memory index of one segment file. Entry i of the
// segment has sequence firstSeq+i and starts at offsets[i].
type segment struct {
	path     string
	firstSeq uint64
	offsets  []int64
	size     int64

	file *os.File // set on the active segment only
}

func segmentPath(dir string, firstSeq uint64) string {
	return filepath.Join(dir, fmt.Sprintf("segment-%020d.wal", firstSeq))
}

func parseSegmentName(path string) (uint64, error) {
	name := strings.TrimSuffix(strings.TrimPrefix(filepath.Base(path), "segment-"), ".wal")
	seq, err := strconv.ParseUint(name, 10, 64)
	if err != nil {
		return 0, errors.Wrapf(ErrCorrupt, "bad segment name %s", filepath.Base(path))
	}
	return seq, nil
}

func listSegments(dir string) ([]string, error) {
	files, err := filepath.Glob(filepath.Join(dir, segmentPattern))
	if err != nil {
		return nil, errors.Wrap(err, "list segments")
	}
	sort.Strings(files)
	return files, nil
}

func (s *segment) count() int { return len(s.offsets) }

// lastSeq is firstSeq-1 for an empty segment.
func (s *segment) lastSeq() uint64 {
	return s.firstSeq + uint64(len(s.offsets)) - 1
}

// view is a read-only copy of the index, safe to use without the WAL lock.
func (s *segment) view() segment {
	return segment{
		path:     s.path,
		firstSeq: s.firstSeq,
		offsets:  s.offsets[:len(s.offsets):len(s.offsets)],
		size:     s.size,
	}
}

// scanSegment rebuilds the index of a segment file. On the tail segment a
// damaged last frame is a torn write: scanning stops before it and the
// returned segment size excludes it. Anywhere else it is corruption.
func scanSegment(path string, firstSeq uint64, tail bool) (*segment, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open segment")
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return nil, errors.Wrap(err, "stat segment")
	}

	seg := &segment{path: path, firstSeq: firstSeq}
	r := bufio.NewReader(f)
	next := firstSeq
	var off int64

	for {
		seq, _, size, err := readFrame(r)
		if err == io.EOF {
			break
		}
		if errors.Is(err, errTorn) {
			if tail && (size == 0 || off+size == fi.Size()) {
				break
			}
			return nil, errors.Wrapf(ErrCorrupt, "%s: damaged frame at offset %d", filepath.Base(path), off)
		}
		if err != nil {
			return nil, errors.Wrap(err, "read segment")
		}
		if seq != next {
			return nil, errors.Wrapf(ErrCorrupt, "%s: seq %d where %d expected", filepath.Base(path), seq, next)
		}
		seg.offsets = append(seg.offsets, off)
		off += size
		next++
	}

	seg.size = off
	return seg, nil
}
