package device

import (
	"context"
	"sync"

	"swapvm/pkg/primitives"
)

// MemoryDevice keeps encoded slots in a map. It backs tests and the
// simulator.
type MemoryDevice struct {
	codec Codec

	mu    sync.RWMutex
	blobs map[primitives.SlotID][]byte
}

// NewMemoryDevice creates an empty in-memory device. A nil codec stores
// pages uncompressed.
func NewMemoryDevice(codec Codec) *MemoryDevice {
	if codec == nil {
		codec = PlainCodec{}
	}
	return &MemoryDevice{
		codec: codec,
		blobs: make(map[primitives.SlotID][]byte),
	}
}

func (d *MemoryDevice) ReadSlot(ctx context.Context, slot primitives.SlotID, buf []byte) error {
	if err := ctx.Err(); err != nil {
		return ioError(err, slot, "ReadSlot", "MemoryDevice")
	}

	d.mu.RLock()
	blob, ok := d.blobs[slot]
	d.mu.RUnlock()
	if !ok {
		return ioError(ErrEmptySlot, slot, "ReadSlot", "MemoryDevice")
	}
	return ioError(d.codec.Decode(blob, buf), slot, "ReadSlot", "MemoryDevice")
}

func (d *MemoryDevice) WriteSlot(ctx context.Context, slot primitives.SlotID, buf []byte) error {
	if err := ctx.Err(); err != nil {
		return ioError(err, slot, "WriteSlot", "MemoryDevice")
	}

	blob, err := d.codec.Encode(buf)
	if err != nil {
		return ioError(err, slot, "WriteSlot", "MemoryDevice")
	}
	d.mu.Lock()
	d.blobs[slot] = blob
	d.mu.Unlock()
	return nil
}

func (d *MemoryDevice) Discard(slot primitives.SlotID) error {
	d.mu.Lock()
	delete(d.blobs, slot)
	d.mu.Unlock()
	return nil
}

func (d *MemoryDevice) Close() error { return nil }

// Len returns the number of stored slots.
func (d *MemoryDevice) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.blobs)
}

// StoredBytes returns the encoded size of all slots.
func (d *MemoryDevice) StoredBytes() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	total := 0
	for _, b := range d.blobs {
		total += len(b)
	}
	return total
}
