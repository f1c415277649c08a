//go:build linux

package intercepts

import (
	"encoding/binary"

	"golang.org/x/sys/unix"

	"github.com/zboralski/liftbridge/internal/bridge"
)

const direntBufSize = 8192

// linux_dirent64 header: ino(8) off(8) reclen(2) type(1), then name.
const direntHeader = 19

// nextDirent returns the next entry of d, refilling its buffer with
// getdents64 as needed. ok is false at end of directory.
func nextDirent(d *bridge.DirStream) (ent bridge.Dirent, ok bool, err error) {
	for {
		if d.Pos >= d.End {
			if d.EOF {
				return bridge.Dirent{}, false, nil
			}
			if d.Buf == nil {
				d.Buf = make([]byte, direntBufSize)
			}
			n, err := unix.Getdents(d.FD, d.Buf)
			if err != nil {
				return bridge.Dirent{}, false, err
			}
			if n <= 0 {
				d.EOF = true
				return bridge.Dirent{}, false, nil
			}
			d.Pos, d.End = 0, n
		}

		rec := d.Buf[d.Pos:d.End]
		if len(rec) < direntHeader {
			d.Pos = d.End
			continue
		}
		reclen := binary.NativeEndian.Uint16(rec[16:18])
		if reclen < direntHeader || int(reclen) > len(rec) {
			d.Pos = d.End
			continue
		}
		d.Pos += int(reclen)

		ino := binary.NativeEndian.Uint64(rec[0:8])
		if ino == 0 {
			continue
		}
		name := rec[direntHeader:reclen]
		for i, c := range name {
			if c == 0 {
				name = name[:i]
				break
			}
		}
		return bridge.Dirent{
			Ino:    ino,
			Off:    int64(binary.NativeEndian.Uint64(rec[8:16])),
			Reclen: reclen,
			Type:   rec[18],
			Name:   string(name),
			Valid:  true,
		}, true, nil
	}
}
