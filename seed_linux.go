//go:build linux

package kproc

import (
	"encoding/binary"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// kernelEntropy reads 64 bits from the kernel's random pool.
func kernelEntropy() (uint64, error) {
	var buf [8]byte
	for got := 0; got < len(buf); {
		n, err := unix.Getrandom(buf[got:], 0)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return 0, errors.Wrap(err, "getrandom")
		}
		got += n
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}
