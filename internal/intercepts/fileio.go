package intercepts

import (
	"errors"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/zboralski/liftbridge/internal/bridge"
	"github.com/zboralski/liftbridge/internal/expr"
	glog "github.com/zboralski/liftbridge/internal/log"
)

// Field indexes of the dirent buffer.
const (
	DirentIno = iota
	DirentOff
	DirentReclen
	DirentType
)

func init() {
	bridge.RegisterFunc("fileio", "my_openat", 4, interceptOpenat)
	bridge.RegisterFunc("fileio", "my_fstat", 1, interceptFstat)
	bridge.RegisterFunc("fileio", "stat64", 1, interceptStat)
	bridge.RegisterFunc("fileio", "get_fstat_index", 1, getFstatIndex)
	bridge.RegisterFunc("fileio", "my_opendir", 1, interceptOpendir)
	bridge.RegisterFunc("fileio", "my_readdir", 1, interceptReaddir)
	bridge.RegisterFunc("fileio", "my_closedir", 1, interceptClosedir)
	bridge.RegisterFunc("fileio", "get_dirent_index", 1, getDirentIndex)
	bridge.RegisterFunc("fileio", "get_dirent_name", 2, getDirentName)
	bridge.RegisterFunc("fileio", "get_errno", 0, getErrno, "klee_get_errno")
}

// signed interprets a register-sized argument as a C int.
func signed(v uint64) int {
	return int(int32(uint32(v)))
}

// errnoOf returns the host errno carried by err, or EIO.
func errnoOf(err error) int {
	var errno unix.Errno
	if errors.As(err, &errno) {
		return int(errno)
	}
	return int(unix.EIO)
}

func minusOne() expr.Expr {
	return bridge.Int32(^uint64(0))
}

// path reads a C string argument out of modeled memory.
func path(s *bridge.State, addr uint64) (string, bool) {
	space, err := s.Space()
	if err != nil {
		return "", false
	}
	return bridge.ReadCString(space, addr, bridge.MaxCString)
}

// interceptOpenat(dirfd, pathname, flags, mode)
func interceptOpenat(s *bridge.State, args []expr.Expr) (expr.Expr, error) {
	a, err := bridge.ConcreteArgs(args, 4)
	if err != nil {
		return nil, err
	}
	name, ok := path(s, a[1])
	if !ok {
		s.Errno = int(unix.ENOENT)
		return minusOne(), nil
	}
	fd, err := unix.Openat(signed(a[0]), name, signed(a[2]), uint32(a[3]))
	s.Log("fileio", "openat", bridge.FormatArgs("path", name, "fd", fd))
	if err != nil {
		s.Errno = int(unix.ENOENT)
		return minusOne(), nil
	}
	s.Errno = 0
	return bridge.Int64(uint64(fd)), nil
}

func setStat(s *bridge.State, st *unix.Stat_t) {
	s.Stat = bridge.StatBuffer{
		Fields: [bridge.StatFields]uint64{
			uint64(st.Dev),
			uint64(st.Ino),
			uint64(st.Mode),
			uint64(st.Nlink),
			uint64(st.Uid),
			uint64(st.Gid),
			uint64(st.Rdev),
			uint64(st.Size),
			uint64(st.Blksize),
			uint64(st.Blocks),
		},
		Valid: true,
	}
}

func statResult(s *bridge.State, st *unix.Stat_t, err error) expr.Expr {
	if err != nil {
		s.Errno = int(unix.EFAULT)
		return minusOne()
	}
	setStat(s, st)
	s.Errno = 0
	return bridge.Int64(0)
}

func interceptFstat(s *bridge.State, args []expr.Expr) (expr.Expr, error) {
	fd, err := bridge.Concrete(args, 0)
	if err != nil {
		return nil, err
	}
	var st unix.Stat_t
	err = unix.Fstat(signed(fd), &st)
	s.Log("fileio", "fstat", bridge.FormatArgs("fd", signed(fd), "ok", err == nil))
	return statResult(s, &st, err), nil
}

func interceptStat(s *bridge.State, args []expr.Expr) (expr.Expr, error) {
	addr, err := bridge.Concrete(args, 0)
	if err != nil {
		return nil, err
	}
	name, ok := path(s, addr)
	if !ok {
		s.Errno = int(unix.EFAULT)
		return minusOne(), nil
	}
	var st unix.Stat_t
	err = unix.Stat(name, &st)
	s.Log("fileio", "stat", bridge.FormatArgs("path", name, "ok", err == nil))
	return statResult(s, &st, err), nil
}

// getFstatIndex returns field i of the last stat result, 0 when out of
// range.
func getFstatIndex(s *bridge.State, args []expr.Expr) (expr.Expr, error) {
	i, err := bridge.Concrete(args, 0)
	if err != nil {
		return nil, err
	}
	if i >= bridge.StatFields {
		glog.Get().Warn("stat field out of range", zap.Uint64("index", i))
		return bridge.Int64(0), nil
	}
	return bridge.Int64(s.Stat.Fields[i]), nil
}

func interceptOpendir(s *bridge.State, args []expr.Expr) (expr.Expr, error) {
	addr, err := bridge.Concrete(args, 0)
	if err != nil {
		return nil, err
	}
	name, ok := path(s, addr)
	if !ok {
		s.Errno = int(unix.EFAULT)
		return bridge.Int64(0), nil
	}
	fd, err := unix.Open(name, unix.O_RDONLY|unix.O_DIRECTORY|unix.O_CLOEXEC, 0)
	if err != nil {
		s.Errno = errnoOf(err)
		return bridge.Int64(0), nil
	}
	ptr := s.OpenDir(&bridge.DirStream{FD: fd, Path: name})
	s.Log("fileio", "opendir", bridge.FormatArgs("path", name, "dir", ptr))
	s.Errno = 0
	return bridge.Int64(ptr), nil
}

// interceptReaddir returns whether an entry was read. End of directory
// leaves errno untouched.
func interceptReaddir(s *bridge.State, args []expr.Expr) (expr.Expr, error) {
	ptr, err := bridge.Concrete(args, 0)
	if err != nil {
		return nil, err
	}
	d, ok := s.Dirs[ptr]
	if !ok {
		s.Errno = int(unix.EBADF)
		return bridge.Bool(false), nil
	}
	ent, ok, err := nextDirent(d)
	if err != nil {
		s.Errno = errnoOf(err)
		return bridge.Bool(false), nil
	}
	if !ok {
		return bridge.Bool(false), nil
	}
	s.Dirent = ent
	return bridge.Bool(true), nil
}

func interceptClosedir(s *bridge.State, args []expr.Expr) (expr.Expr, error) {
	ptr, err := bridge.Concrete(args, 0)
	if err != nil {
		return nil, err
	}
	d, ok := s.Dirs[ptr]
	if !ok {
		s.Errno = int(unix.EBADF)
		return minusOne(), nil
	}
	delete(s.Dirs, ptr)
	if err := unix.Close(d.FD); err != nil {
		s.Errno = errnoOf(err)
		return minusOne(), nil
	}
	return bridge.Int32(0), nil
}

func getDirentIndex(s *bridge.State, args []expr.Expr) (expr.Expr, error) {
	i, err := bridge.Concrete(args, 0)
	if err != nil {
		return nil, err
	}
	var v uint64
	switch i {
	case DirentIno:
		v = s.Dirent.Ino
	case DirentOff:
		v = uint64(s.Dirent.Off)
	case DirentReclen:
		v = uint64(s.Dirent.Reclen)
	case DirentType:
		v = uint64(s.Dirent.Type)
	}
	return bridge.Int64(v), nil
}

// getDirentName(buf, size) copies the last entry name into modeled memory
// and returns buf, or 0 if it cannot be written.
func getDirentName(s *bridge.State, args []expr.Expr) (expr.Expr, error) {
	a, err := bridge.ConcreteArgs(args, 2)
	if err != nil {
		return nil, err
	}
	space, err := s.Space()
	if err != nil {
		return nil, err
	}
	if !bridge.WriteCString(space, a[0], s.Dirent.Name, int(a[1])) {
		return bridge.Int64(0), nil
	}
	return bridge.Int64(a[0]), nil
}

func getErrno(s *bridge.State, args []expr.Expr) (expr.Expr, error) {
	return bridge.Int32(uint64(uint32(int32(s.Errno)))), nil
}
