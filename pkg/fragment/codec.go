package fragment

import (
	"math"

	"github.com/multiformats/go-varint"

	dxerrors "github.com/ajitpratap0/duplex-sdk-go/pkg/errors"
)

const (
	codecName    = "fragment"
	codecVersion = 1

	flagFinal = 1 << 0
)

// EncodeFragment encodes f as
//
//	version flags uvarint(len(id)) id uvarint(index) uvarint(len(data)) data
func EncodeFragment(f Fragment) ([]byte, error) {
	if f.Index < 0 {
		return nil, dxerrors.InvalidArgument("index", f.Index, "non-negative fragment index")
	}

	var flags byte
	if f.IsFinal {
		flags |= flagFinal
	}

	size := 2 +
		varint.UvarintSize(uint64(len(f.SequenceID))) + len(f.SequenceID) +
		varint.UvarintSize(uint64(f.Index)) +
		varint.UvarintSize(uint64(len(f.Data))) + len(f.Data)

	buf := make([]byte, 0, size)
	buf = append(buf, codecVersion, flags)
	buf = append(buf, varint.ToUvarint(uint64(len(f.SequenceID)))...)
	buf = append(buf, f.SequenceID...)
	buf = append(buf, varint.ToUvarint(uint64(f.Index))...)
	buf = append(buf, varint.ToUvarint(uint64(len(f.Data)))...)
	buf = append(buf, f.Data...)
	return buf, nil
}

// DecodeFragment decodes a fragment produced by EncodeFragment. The returned
// Data is a copy.
func DecodeFragment(encoded []byte) (Fragment, error) {
	n := len(encoded)
	if n < 2 {
		return Fragment{}, dxerrors.ProtocolFormat(codecName, 0, n, "header truncated")
	}
	if encoded[0] != codecVersion {
		return Fragment{}, dxerrors.ProtocolFormat(codecName, 0, n, "unsupported version")
	}
	flags := encoded[1]
	if flags&^flagFinal != 0 {
		return Fragment{}, dxerrors.ProtocolFormat(codecName, 1, n, "unknown flags")
	}
	off := 2

	id, off, err := readChunk(encoded, off, "sequence id")
	if err != nil {
		return Fragment{}, err
	}

	index, read, err := varint.FromUvarint(encoded[off:])
	if err != nil {
		return Fragment{}, dxerrors.ProtocolFormat(codecName, off, n, "index: "+err.Error())
	}
	if index > math.MaxInt32 {
		return Fragment{}, dxerrors.ProtocolFormat(codecName, off, n, "index out of range")
	}
	off += read

	data, off, err := readChunk(encoded, off, "data")
	if err != nil {
		return Fragment{}, err
	}
	if off != n {
		return Fragment{}, dxerrors.ProtocolFormat(codecName, off, n, "trailing bytes")
	}

	return Fragment{
		SequenceID: string(id),
		Index:      int(index),
		IsFinal:    flags&flagFinal != 0,
		Data:       append([]byte(nil), data...),
	}, nil
}

func readChunk(buf []byte, off int, what string) ([]byte, int, error) {
	if off >= len(buf) {
		return nil, off, dxerrors.ProtocolFormat(codecName, off, len(buf), what+" missing")
	}
	length, read, err := varint.FromUvarint(buf[off:])
	if err != nil {
		return nil, off, dxerrors.ProtocolFormat(codecName, off, len(buf), what+" length: "+err.Error())
	}
	off += read
	if length > uint64(len(buf)-off) {
		return nil, off, dxerrors.ProtocolFormat(codecName, off, len(buf), what+" truncated")
	}
	end := off + int(length)
	return buf[off:end], end, nil
}
