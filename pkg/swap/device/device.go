// Package device implements swap transports: where slot contents live
// while their pages are not resident.
package device

import (
	"context"
	"errors"

	"swapvm/pkg/config"
	swaperr "swapvm/pkg/error"
	"swapvm/pkg/logging"
	"swapvm/pkg/primitives"
)

// ErrEmptySlot is the cause reported when a slot is read before any write.
var ErrEmptySlot = errors.New("slot has never been written")

// Device moves one slot's bytes to and from backing storage. Buffers are
// exactly one page. Implementations must be safe for concurrent use on
// distinct slots; the pager never issues concurrent I/O on the same slot.
type Device interface {
	ReadSlot(ctx context.Context, slot primitives.SlotID, buf []byte) error
	WriteSlot(ctx context.Context, slot primitives.SlotID, buf []byte) error

	// Discard tells the device the slot's content is no longer needed.
	Discard(slot primitives.SlotID) error

	Close() error
}

// Open builds the device described by cfg, wrapped for verification when
// cfg.Verify is set.
func Open(cfg config.DeviceConfig, pageSize int) (Device, error) {
	codec, err := CodecFor(cfg.Compression)
	if err != nil {
		return nil, err
	}

	var dev Device
	switch cfg.Kind {
	case config.DeviceMemory, "":
		dev = NewMemoryDevice(codec)
	case config.DeviceFile:
		dev, err = OpenFileDevice(cfg.Path, pageSize)
	case config.DeviceSQLite:
		dev, err = OpenSQLiteDevice(cfg.Path, codec)
	default:
		err = swaperr.InvalidArgument("unknown device kind %q", cfg.Kind).WithOp("Open", "Device")
	}
	if err != nil {
		return nil, err
	}

	if cfg.Verify {
		dev = NewVerifyingDevice(dev)
	}
	logging.WithComponent("Device").Info("swap device opened",
		"kind", cfg.Kind, "path", cfg.Path, "codec", codec.Name(), "verify", cfg.Verify)
	return dev, nil
}

func ioError(err error, slot primitives.SlotID, op, component string) error {
	if err == nil {
		return nil
	}
	return swaperr.IOFailed(err, uint64(slot)).WithOp(op, component)
}
