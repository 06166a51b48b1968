package device

import (
	"context"
	"sync"

	"github.com/zeebo/blake3"

	swaperr "swapvm/pkg/error"
	"swapvm/pkg/logging"
	"swapvm/pkg/primitives"
)

// VerifyingDevice records a BLAKE3 digest of every slot written through it
// and checks it on read. Slots written before the wrapper existed are
// returned unchecked.
type VerifyingDevice struct {
	inner Device

	mu   sync.RWMutex
	sums map[primitives.SlotID][32]byte
}

func NewVerifyingDevice(inner Device) *VerifyingDevice {
	return &VerifyingDevice{
		inner: inner,
		sums:  make(map[primitives.SlotID][32]byte),
	}
}

// Inner returns the wrapped device.
func (d *VerifyingDevice) Inner() Device { return d.inner }

func (d *VerifyingDevice) ReadSlot(ctx context.Context, slot primitives.SlotID, buf []byte) error {
	if err := d.inner.ReadSlot(ctx, slot, buf); err != nil {
		return err
	}

	d.mu.RLock()
	want, ok := d.sums[slot]
	d.mu.RUnlock()
	if !ok {
		return nil
	}
	if blake3.Sum256(buf) != want {
		logging.WithSlot(slot).Warn("swap slot checksum mismatch")
		return swaperr.ChecksumMismatch(uint64(slot)).WithOp("ReadSlot", "VerifyingDevice")
	}
	return nil
}

func (d *VerifyingDevice) WriteSlot(ctx context.Context, slot primitives.SlotID, buf []byte) error {
	if err := d.inner.WriteSlot(ctx, slot, buf); err != nil {
		return err
	}
	sum := blake3.Sum256(buf)
	d.mu.Lock()
	d.sums[slot] = sum
	d.mu.Unlock()
	return nil
}

func (d *VerifyingDevice) Discard(slot primitives.SlotID) error {
	d.mu.Lock()
	delete(d.sums, slot)
	d.mu.Unlock()
	return d.inner.Discard(slot)
}

func (d *VerifyingDevice) Close() error {
	return d.inner.Close()
}
