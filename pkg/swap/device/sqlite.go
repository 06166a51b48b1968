package device

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"

	"swapvm/pkg/primitives"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS slots (
	slot  INTEGER PRIMARY KEY,
	codec TEXT    NOT NULL,
	data  BLOB    NOT NULL
)`

// SlotInfo describes one stored slot.
type SlotInfo struct {
	Slot  primitives.SlotID
	Codec string
	Size  int
}

// SQLiteDevice stores one row per slot. Rows carry the codec name so a
// database written with compression can be inspected later.
type SQLiteDevice struct {
	db    *sql.DB
	codec Codec
}

// OpenSQLiteDevice opens or creates the database at path. ":memory:" gives a
// private in-memory database.
func OpenSQLiteDevice(path string, codec Codec) (*SQLiteDevice, error) {
	if codec == nil {
		codec = PlainCodec{}
	}

	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, ioError(err, primitives.InvalidSlot, "Open", "SQLiteDevice")
	}
	// one connection: ":memory:" databases are per connection, and sqlite
	// serializes writers anyway
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, ioError(fmt.Errorf("create schema: %w", err), primitives.InvalidSlot, "Open", "SQLiteDevice")
	}
	return &SQLiteDevice{db: db, codec: codec}, nil
}

func (d *SQLiteDevice) ReadSlot(ctx context.Context, slot primitives.SlotID, buf []byte) error {
	var codecName string
	var blob []byte
	err := d.db.QueryRowContext(ctx,
		`SELECT codec, data FROM slots WHERE slot = ?`, int64(slot)).Scan(&codecName, &blob)
	if errors.Is(err, sql.ErrNoRows) {
		err = ErrEmptySlot
	}
	if err != nil {
		return ioError(err, slot, "ReadSlot", "SQLiteDevice")
	}

	codec := d.codec
	if codecName != codec.Name() {
		if codec, err = CodecFor(codecName); err != nil {
			return ioError(err, slot, "ReadSlot", "SQLiteDevice")
		}
	}
	return ioError(codec.Decode(blob, buf), slot, "ReadSlot", "SQLiteDevice")
}

func (d *SQLiteDevice) WriteSlot(ctx context.Context, slot primitives.SlotID, buf []byte) error {
	blob, err := d.codec.Encode(buf)
	if err != nil {
		return ioError(err, slot, "WriteSlot", "SQLiteDevice")
	}
	_, err = d.db.ExecContext(ctx,
		`INSERT INTO slots (slot, codec, data) VALUES (?, ?, ?)
		 ON CONFLICT(slot) DO UPDATE SET codec = excluded.codec, data = excluded.data`,
		int64(slot), d.codec.Name(), blob)
	return ioError(err, slot, "WriteSlot", "SQLiteDevice")
}

func (d *SQLiteDevice) Discard(slot primitives.SlotID) error {
	_, err := d.db.Exec(`DELETE FROM slots WHERE slot = ?`, int64(slot))
	return ioError(err, slot, "Discard", "SQLiteDevice")
}

// Slots lists stored slots in slot order.
func (d *SQLiteDevice) Slots(ctx context.Context) ([]SlotInfo, error) {
	rows, err := d.db.QueryContext(ctx, `SELECT slot, codec, length(data) FROM slots ORDER BY slot`)
	if err != nil {
		return nil, ioError(err, primitives.InvalidSlot, "Slots", "SQLiteDevice")
	}
	defer rows.Close()

	var out []SlotInfo
	for rows.Next() {
		var slot int64
		var info SlotInfo
		if err := rows.Scan(&slot, &info.Codec, &info.Size); err != nil {
			return nil, ioError(err, primitives.InvalidSlot, "Slots", "SQLiteDevice")
		}
		info.Slot = primitives.SlotID(slot)
		out = append(out, info)
	}
	if err := rows.Err(); err != nil {
		return nil, ioError(err, primitives.InvalidSlot, "Slots", "SQLiteDevice")
	}
	return out, nil
}

func (d *SQLiteDevice) Close() error {
	return d.db.Close()
}
