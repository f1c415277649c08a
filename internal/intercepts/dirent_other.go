//go:build !linux

package intercepts

import (
	"golang.org/x/sys/unix"

	"github.com/zboralski/liftbridge/internal/bridge"
)

func nextDirent(d *bridge.DirStream) (bridge.Dirent, bool, error) {
	return bridge.Dirent{}, false, unix.ENOSYS
}
