package device

import (
	"bytes"
	"fmt"
	"io"

	"github.com/ulikunitz/xz"

	"swapvm/pkg/config"
	swaperr "swapvm/pkg/error"
)

// Codec transforms slot contents on their way to a blob store.
type Codec interface {
	Name() string
	Encode(src []byte) ([]byte, error)
	// Decode fills dst, which is exactly one page, from an encoded blob.
	Decode(enc []byte, dst []byte) error
}

// CodecFor resolves a compression name from configuration.
func CodecFor(name string) (Codec, error) {
	switch name {
	case "", config.CompressionNone:
		return PlainCodec{}, nil
	case config.CompressionXZ:
		return XZCodec{}, nil
	default:
		return nil, swaperr.InvalidArgument("unknown compression %q", name).WithOp("CodecFor", "Device")
	}
}

// PlainCodec stores bytes as they are.
type PlainCodec struct{}

func (PlainCodec) Name() string { return config.CompressionNone }

func (PlainCodec) Encode(src []byte) ([]byte, error) {
	return bytes.Clone(src), nil
}

func (PlainCodec) Decode(enc []byte, dst []byte) error {
	if len(enc) != len(dst) {
		return fmt.Errorf("stored slot is %d bytes, page is %d", len(enc), len(dst))
	}
	copy(dst, enc)
	return nil
}

// XZCodec compresses slots with xz. Anonymous memory is often zero-heavy,
// so mostly-empty pages shrink to a few dozen bytes.
type XZCodec struct{}

func (XZCodec) Name() string { return config.CompressionXZ }

func (XZCodec) Encode(src []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := xz.NewWriter(&buf)
	if err != nil {
		return nil, fmt.Errorf("xz writer: %w", err)
	}
	if _, err := w.Write(src); err != nil {
		w.Close()
		return nil, fmt.Errorf("xz compress: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("xz close: %w", err)
	}
	return buf.Bytes(), nil
}

func (XZCodec) Decode(enc []byte, dst []byte) error {
	r, err := xz.NewReader(bytes.NewReader(enc))
	if err != nil {
		return fmt.Errorf("xz reader: %w", err)
	}
	if _, err := io.ReadFull(r, dst); err != nil {
		return fmt.Errorf("xz decompress: %w", err)
	}
	// the stream must end exactly at the page boundary
	var extra [1]byte
	if n, _ := r.Read(extra[:]); n != 0 {
		return fmt.Errorf("xz stream longer than page")
	}
	return nil
}
