// Package wire reads and writes streams of self-delimiting JSON records.
//
// Each record is a fixed header followed by a JSON document:
//
//	magic   [2]byte  "kp"
//	version uint16   big endian, the schema version of the document
//	length  uint32   big endian, the length of the document in bytes
//
// A reader can therefore skip records it does not understand and stop
// cleanly at the end of a stream.
package wire

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"io"

	"github.com/pkg/errors"
)

const (
	// Version is the current record schema version.
	Version = 1
	// MaxRecordLen bounds the size of a single record's document.
	MaxRecordLen = 64 << 20

	headerLen = 8
)

var magic = [2]byte{'k', 'p'}

// ErrBadMagic is returned when a stream does not start with a record header.
var ErrBadMagic = errors.New("not a kproc record")

// WriteRecord writes obj as a record with the given version.
func WriteRecord(dst io.Writer, obj interface{}, version uint16) error {
	var body bytes.Buffer
	if err := json.NewEncoder(&body).Encode(obj); err != nil {
		return errors.Wrap(err, "could not encode record")
	}
	if body.Len() > MaxRecordLen {
		return errors.Errorf("record of %d bytes exceeds limit of %d", body.Len(), MaxRecordLen)
	}

	var hdr [headerLen]byte
	copy(hdr[:2], magic[:])
	binary.BigEndian.PutUint16(hdr[2:4], version)
	binary.BigEndian.PutUint32(hdr[4:8], uint32(body.Len()))
	if _, err := dst.Write(hdr[:]); err != nil {
		return errors.Wrap(err, "could not write record header")
	}
	if _, err := dst.Write(body.Bytes()); err != nil {
		return errors.Wrap(err, "could not write record")
	}
	return nil
}

// ReadRecord reads the next record into obj and returns its version. It
// returns io.EOF, unwrapped, when src is exhausted between records.
func ReadRecord(src io.Reader, obj interface{}) (uint16, error) {
	var hdr [headerLen]byte
	if _, err := io.ReadFull(src, hdr[:]); err != nil {
		if err == io.EOF {
			return 0, io.EOF
		}
		return 0, errors.Wrap(err, "could not read record header")
	}
	if hdr[0] != magic[0] || hdr[1] != magic[1] {
		return 0, ErrBadMagic
	}
	version := binary.BigEndian.Uint16(hdr[2:4])
	n := binary.BigEndian.Uint32(hdr[4:8])
	if n > MaxRecordLen {
		return 0, errors.Errorf("record of %d bytes exceeds limit of %d", n, MaxRecordLen)
	}

	data := make([]byte, n)
	if _, err := io.ReadFull(src, data); err != nil {
		return 0, errors.Wrapf(err, "could not read record of %d bytes", n)
	}
	if err := json.Unmarshal(data, obj); err != nil {
		return 0, errors.Wrap(err, "could not decode record")
	}
	return version, nil
}
