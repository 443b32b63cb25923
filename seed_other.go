//go:build !linux

package kproc

import (
	"crypto/rand"
	"encoding/binary"

	"github.com/pkg/errors"
)

func kernelEntropy() (uint64, error) {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0, errors.Wrap(err, "reading random seed")
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}
