package cluster

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"sort"

	"github.com/goccy/go-json"
	"github.com/klauspost/compress/zstd"
)

const (
	snapshotMagic   = "MGRD"
	snapshotVersion = 1

	// maxFieldLen bounds a single length-prefixed field in either direction.
	maxFieldLen = 1 << 20
)

var (
	// ErrCorruptSnapshot is returned for input that is not a complete snapshot.
	ErrCorruptSnapshot = errors.New("corrupt snapshot")
	// ErrFieldTooLarge is returned when a marker id, key or metadata value
	// would not fit in one snapshot field.
	ErrFieldTooLarge = errors.New("snapshot field too large")
)

// Snapshot is the persisted form of a layer.
type Snapshot struct {
	GridSize int
	Markers  []*Marker
}

// SaveCompressed writes snap as a zstd-compressed record stream.
func SaveCompressed(filename string, snap *Snapshot) error {
	file, err := os.Create(filename)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	defer file.Close()

	bufWriter := bufio.NewWriterSize(file, 1024*1024)
	enc, err := zstd.NewWriter(bufWriter, zstd.WithEncoderLevel(zstd.SpeedBetterCompression))
	if err != nil {
		return fmt.Errorf("failed to create zstd writer: %w", err)
	}

	if err := encodeSnapshot(enc, snap); err != nil {
		enc.Close()
		return err
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("failed to close encoder: %w", err)
	}
	if err := bufWriter.Flush(); err != nil {
		return fmt.Errorf("failed to flush buffer: %w", err)
	}
	return file.Sync()
}

// LoadCompressed reads a snapshot written by SaveCompressed.
func LoadCompressed(filename string) (*Snapshot, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	dec, err := zstd.NewReader(bufio.NewReader(file))
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd reader: %w", err)
	}
	defer dec.Close()

	return decodeSnapshot(dec)
}

type recordWriter struct {
	w   io.Writer
	buf [8]byte
	err error
}

func (rw *recordWriter) write(b []byte) {
	if rw.err != nil {
		return
	}
	_, rw.err = rw.w.Write(b)
}

func (rw *recordWriter) uint32(v uint32) {
	binary.LittleEndian.PutUint32(rw.buf[:4], v)
	rw.write(rw.buf[:4])
}

func (rw *recordWriter) float32(v float32) {
	rw.uint32(math.Float32bits(v))
}

func (rw *recordWriter) float64(v float64) {
	binary.LittleEndian.PutUint64(rw.buf[:8], math.Float64bits(v))
	rw.write(rw.buf[:8])
}

func (rw *recordWriter) bytes(b []byte) {
	if rw.err == nil && len(b) > maxFieldLen {
		rw.err = fmt.Errorf("%w: %d bytes, limit %d", ErrFieldTooLarge, len(b), maxFieldLen)
		return
	}
	rw.uint32(uint32(len(b)))
	rw.write(b)
}

func encodeSnapshot(w io.Writer, snap *Snapshot) error {
	rw := &recordWriter{w: w}
	rw.write([]byte(snapshotMagic))
	rw.uint32(snapshotVersion)
	rw.uint32(uint32(snap.GridSize))
	rw.uint32(uint32(len(snap.Markers)))

	for _, m := range snap.Markers {
		rw.bytes([]byte(m.ID))
		rw.float64(m.Lat)
		rw.float64(m.Lng)

		rw.uint32(uint32(len(m.Metrics)))
		for _, k := range sortedKeys(m.Metrics) {
			rw.bytes([]byte(k))
			rw.float32(m.Metrics[k])
		}

		rw.uint32(uint32(len(m.Metadata)))
		for _, k := range sortedKeys(m.Metadata) {
			value, err := json.Marshal(m.Metadata[k])
			if err != nil {
				return fmt.Errorf("failed to marshal metadata %q of %s: %w", k, m.ID, err)
			}
			rw.bytes([]byte(k))
			rw.bytes(value)
		}
	}

	if rw.err != nil {
		return fmt.Errorf("failed to write snapshot: %w", rw.err)
	}
	return nil
}

type recordReader struct {
	r   io.Reader
	buf [8]byte
	err error
}

func (rr *recordReader) read(b []byte) {
	if rr.err != nil {
		return
	}
	if _, err := io.ReadFull(rr.r, b); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			err = fmt.Errorf("%w: truncated", ErrCorruptSnapshot)
		}
		rr.err = err
	}
}

func (rr *recordReader) uint32() uint32 {
	rr.read(rr.buf[:4])
	if rr.err != nil {
		return 0
	}
	return binary.LittleEndian.Uint32(rr.buf[:4])
}

func (rr *recordReader) float32() float32 {
	return math.Float32frombits(rr.uint32())
}

func (rr *recordReader) float64() float64 {
	rr.read(rr.buf[:8])
	if rr.err != nil {
		return 0
	}
	return math.Float64frombits(binary.LittleEndian.Uint64(rr.buf[:8]))
}

func (rr *recordReader) bytes() []byte {
	n := rr.uint32()
	if rr.err != nil {
		return nil
	}
	if n > maxFieldLen {
		rr.err = fmt.Errorf("%w: field length %d", ErrCorruptSnapshot, n)
		return nil
	}
	b := make([]byte, n)
	rr.read(b)
	return b
}

func decodeSnapshot(r io.Reader) (*Snapshot, error) {
	rr := &recordReader{r: r}

	magic := make([]byte, len(snapshotMagic))
	rr.read(magic)
	if rr.err == nil && string(magic) != snapshotMagic {
		return nil, fmt.Errorf("%w: bad magic %q", ErrCorruptSnapshot, magic)
	}
	version := rr.uint32()
	if rr.err == nil && version != snapshotVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrCorruptSnapshot, version)
	}
	gridSize := rr.uint32()
	count := rr.uint32()
	if rr.err != nil {
		return nil, rr.err
	}

	snap := &Snapshot{
		GridSize: int(gridSize),
		Markers:  make([]*Marker, 0, min(count, 1<<16)),
	}
	for i := uint32(0); i < count; i++ {
		m := &Marker{ID: string(rr.bytes())}
		m.Lat = rr.float64()
		m.Lng = rr.float64()

		if n := rr.uint32(); n > 0 && rr.err == nil {
			m.Metrics = make(map[string]float32, min(n, 64))
			for j := uint32(0); j < n && rr.err == nil; j++ {
				key := string(rr.bytes())
				m.Metrics[key] = rr.float32()
			}
		}

		if n := rr.uint32(); n > 0 && rr.err == nil {
			m.Metadata = make(map[string]interface{}, min(n, 64))
			for j := uint32(0); j < n && rr.err == nil; j++ {
				key := string(rr.bytes())
				raw := rr.bytes()
				if rr.err != nil {
					break
				}
				var value interface{}
				if err := json.Unmarshal(raw, &value); err != nil {
					return nil, fmt.Errorf("%w: metadata %q of %s: %v", ErrCorruptSnapshot, key, m.ID, err)
				}
				m.Metadata[key] = value
			}
		}

		if rr.err != nil {
			return nil, fmt.Errorf("failed to read marker %d of %d: %w", i, count, rr.err)
		}
		snap.Markers = append(snap.Markers, m)
	}

	return snap, nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
