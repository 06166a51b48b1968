package device

import (
	"context"
	"errors"
	"io"
	"os"
	"sync"

	"swapvm/pkg/primitives"
)

// FileDevice stores slot n at byte offset n*pageSize of a single file.
// Slots are fixed width, so no codec applies.
type FileDevice struct {
	path     string
	pageSize int
	file     *os.File

	// written tracks which slots hold data; a hole reads back as zeros and
	// would otherwise be indistinguishable from a zero page.
	mu      sync.RWMutex
	written map[primitives.SlotID]bool
}

// OpenFileDevice opens or creates the swap file at path.
func OpenFileDevice(path string, pageSize int) (*FileDevice, error) {
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, ioError(err, primitives.InvalidSlot, "Open", "FileDevice")
	}
	return &FileDevice{
		path:     path,
		pageSize: pageSize,
		file:     file,
		written:  make(map[primitives.SlotID]bool),
	}, nil
}

func (d *FileDevice) offset(slot primitives.SlotID) int64 {
	return int64(slot) * int64(d.pageSize)
}

func (d *FileDevice) ReadSlot(ctx context.Context, slot primitives.SlotID, buf []byte) error {
	if err := ctx.Err(); err != nil {
		return ioError(err, slot, "ReadSlot", "FileDevice")
	}

	d.mu.RLock()
	ok := d.written[slot]
	d.mu.RUnlock()
	if !ok {
		return ioError(ErrEmptySlot, slot, "ReadSlot", "FileDevice")
	}

	n, err := d.file.ReadAt(buf[:d.pageSize], d.offset(slot))
	if errors.Is(err, io.EOF) && n == d.pageSize {
		err = nil
	}
	return ioError(err, slot, "ReadSlot", "FileDevice")
}

func (d *FileDevice) WriteSlot(ctx context.Context, slot primitives.SlotID, buf []byte) error {
	if err := ctx.Err(); err != nil {
		return ioError(err, slot, "WriteSlot", "FileDevice")
	}

	if _, err := d.file.WriteAt(buf[:d.pageSize], d.offset(slot)); err != nil {
		return ioError(err, slot, "WriteSlot", "FileDevice")
	}
	d.mu.Lock()
	d.written[slot] = true
	d.mu.Unlock()
	return nil
}

// Discard forgets the slot. The bytes stay in the file until overwritten.
func (d *FileDevice) Discard(slot primitives.SlotID) error {
	d.mu.Lock()
	delete(d.written, slot)
	d.mu.Unlock()
	return nil
}

// Sync flushes the file to stable storage.
func (d *FileDevice) Sync() error {
	return d.file.Sync()
}

func (d *FileDevice) Close() error {
	return d.file.Close()
}
