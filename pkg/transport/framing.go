package transport

import (
	"bufio"
	"io"

	"github.com/multiformats/go-varint"

	dxerrors "github.com/ajitpratap0/duplex-sdk-go/pkg/errors"
)

// WriteFrame writes frame prefixed with its uvarint length. Callers
// serialize concurrent writers.
func WriteFrame(w io.Writer, frame []byte) error {
	buf := make([]byte, 0, varint.UvarintSize(uint64(len(frame)))+len(frame))
	buf = append(buf, varint.ToUvarint(uint64(len(frame)))...)
	buf = append(buf, frame...)
	_, err := w.Write(buf)
	return err
}

// ReadFrame reads one length-prefixed frame. Frames longer than maxSize are
// rejected before their body is read; maxSize <= 0 uses DefaultMaxFrameSize.
// A clean EOF before the length prefix is returned as io.EOF.
func ReadFrame(r *bufio.Reader, maxSize int) ([]byte, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxFrameSize
	}

	length, err := varint.ReadUvarint(r)
	if err != nil {
		return nil, err
	}
	if length > uint64(maxSize) {
		return nil, dxerrors.MessageTooLarge("stream", int64(length), int64(maxSize))
	}

	frame := make([]byte, length)
	if _, err := io.ReadFull(r, frame); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return frame, nil
}
