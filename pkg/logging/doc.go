// Package logging provides the process-wide structured logger for swapvm.
//
// The package wraps [log/slog] and keeps a single logger that every
// subsystem fetches through GetLogger, so level and destination are set in
// one place:
//
//	if err := logging.Init(logging.Config{Level: logging.LevelDebug}); err != nil {
//	    log.Fatal(err)
//	}
//
// If GetLogger is called before Init, a WARN-level stderr logger is
// installed lazily.
//
// # Levels used by the swap subsystem
//
//   - Debug: race outcomes (lost inserts, slots gone), cache hits.
//   - Info: object pager transitions, device open/close.
//   - Warn: slot exhaustion, quota refusals, device I/O failures.
//   - Error: failures that leave an object unusable.
//
// # Context helpers
//
//	log := logging.WithObject(id)          // adds object field
//	log := logging.WithPage(id, index)     // adds object and index
//	log := logging.WithSlot(slot)          // adds slot field
package logging
