package cluster

import (
	"bytes"
	"fmt"
	"os"

	"github.com/edsrzf/mmap-go"
)

// MMapWriter writes sequentially into a mapped region.
type MMapWriter struct {
	data   mmap.MMap
	offset int
}

func NewMMapWriter(data mmap.MMap) *MMapWriter {
	return &MMapWriter{data: data}
}

func (w *MMapWriter) Write(b []byte) (int, error) {
	if w.offset+len(b) > len(w.data) {
		return 0, fmt.Errorf("mmap region full: need %d bytes at offset %d of %d", len(b), w.offset, len(w.data))
	}
	n := copy(w.data[w.offset:], b)
	w.offset += n
	return n, nil
}

type sizeCounter int64

func (c *sizeCounter) Write(b []byte) (int, error) {
	*c += sizeCounter(len(b))
	return len(b), nil
}

// SaveMMap writes snap uncompressed through a memory mapping of filename.
func SaveMMap(filename string, snap *Snapshot) error {
	var size sizeCounter
	if err := encodeSnapshot(&size, snap); err != nil {
		return err
	}

	file, err := os.OpenFile(filename, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	defer file.Close()

	if err := file.Truncate(int64(size)); err != nil {
		return fmt.Errorf("failed to truncate file: %w", err)
	}

	mmapData, err := mmap.Map(file, mmap.RDWR, 0)
	if err != nil {
		return fmt.Errorf("failed to mmap file: %w", err)
	}
	defer mmapData.Unmap()

	if err := encodeSnapshot(NewMMapWriter(mmapData), snap); err != nil {
		return err
	}
	if err := mmapData.Flush(); err != nil {
		return fmt.Errorf("failed to flush mmap: %w", err)
	}
	return nil
}

// LoadMMap reads a snapshot written by SaveMMap. The mapping is released
// before returning; markers do not alias it.
func LoadMMap(filename string) (*Snapshot, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat file: %w", err)
	}
	if info.Size() == 0 {
		return nil, fmt.Errorf("%w: empty file", ErrCorruptSnapshot)
	}

	mmapData, err := mmap.Map(file, mmap.RDONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to mmap file: %w", err)
	}
	defer mmapData.Unmap()

	return decodeSnapshot(bytes.NewReader(mmapData))
}
