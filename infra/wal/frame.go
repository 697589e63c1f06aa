package wal

import (
	"encoding/binary"
	"hash/crc32"
	"io"

	"github.com/pkg/errors"
)

const (
	headerSize = 8 + 4
	crcSize    = 4

	// MaxPayload bounds a single frame; a larger length is garbage.
	MaxPayload = 64 << 20
)

var (
	ErrCorrupt = errors.New("wal corrupted")
	ErrBroken  = errors.New("wal unusable after failed write")

	errTorn = errors.New("torn frame")
)

func encodeFrame(seq uint64, payload []byte) []byte {
	n := len(payload)
	buf := make([]byte, headerSize+n+crcSize)
	binary.BigEndian.PutUint64(buf[0:8], seq)
	binary.BigEndian.PutUint32(buf[8:12], uint32(n))
	copy(buf[headerSize:], payload)

	sum := crc32.ChecksumIEEE(buf[:headerSize+n])
	binary.BigEndian.PutUint32(buf[headerSize+n:], sum)
	return buf
}

// readFrame reads one frame. io.EOF means a clean end; errTorn means the
// frame is incomplete (size 0) or fails its checksum (size is the declared
// frame size).
func readFrame(r io.Reader) (seq uint64, payload []byte, size int64, err error) {
	header := make([]byte, headerSize)
	if _, err := io.ReadFull(r, header); err != nil {
		if err == io.EOF {
			return 0, nil, 0, io.EOF
		}
		if err == io.ErrUnexpectedEOF {
			return 0, nil, 0, errTorn
		}
		return 0, nil, 0, err
	}

	seq = binary.BigEndian.Uint64(header[0:8])
	n := binary.BigEndian.Uint32(header[8:12])
	if n > MaxPayload {
		return 0, nil, 0, errTorn
	}

	body := make([]byte, int(n)+crcSize)
	if _, err := io.ReadFull(r, body); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return 0, nil, 0, errTorn
		}
		return 0, nil, 0, err
	}

	payload = body[:n]
	want := binary.BigEndian.Uint32(body[n:])
	h := crc32.NewIEEE()
	_, _ = h.Write(header)
	_, _ = h.Write(payload)
	size = int64(headerSize) + int64(n) + crcSize
	if h.Sum32() != want {
		return 0, nil, size, errTorn
	}
	return seq, payload, size, nil
}
