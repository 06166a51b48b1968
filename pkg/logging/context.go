package logging

import (
	"log/slog"

	"swapvm/pkg/primitives"
)

// WithObject creates a logger with memory object context.
//
// Example:
//
//	log := logging.WithObject(obj.ID())
//	log.Info("converted to swap pager")
func WithObject(id primitives.ObjectID) *slog.Logger {
	return GetLogger().With("object", id.Short())
}

// WithSlot creates a logger with backing-store slot context.
func WithSlot(slot primitives.SlotID) *slog.Logger {
	return GetLogger().With("slot", uint64(slot))
}

// WithPage creates a logger with page context: owner and index.
//
// Example:
//
//	log := logging.WithPage(obj.ID(), 12)
//	log.Debug("page-in", "slot", slot)
func WithPage(owner primitives.ObjectID, index primitives.PageIndex) *slog.Logger {
	return GetLogger().With("object", owner.Short(), "index", uint64(index))
}

// WithComponent creates a logger with component/subsystem context.
func WithComponent(component string) *slog.Logger {
	return GetLogger().With("component", component)
}

// WithError creates a logger carrying err as a structured field.
func WithError(err error) *slog.Logger {
	return GetLogger().With("error", err.Error())
}
