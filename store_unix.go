//go:build unix

package ember

import (
	"os"

	"golang.org/x/sys/unix"
)

// fileStore wraps the OS file handle used for both the memory-mapped
// read path and the positioned-write commit path. Pages are never written
// through the mmap: every commit write goes through pwrite followed by an
// fsync, and the shared read-only mapping reflects the written bytes.
type fileStore struct {
	f *os.File
}

func openFileStore(path string, readOnly bool) (*fileStore, error) {
	flag := os.O_RDWR | os.O_CREATE
	if readOnly {
		flag = os.O_RDONLY
	}
	f, err := os.OpenFile(path, flag, 0o600)
	if err != nil {
		return nil, err
	}
	return &fileStore{f: f}, nil
}

func (s *fileStore) lock(readOnly bool) error {
	how := unix.LOCK_EX
	if readOnly {
		how = unix.LOCK_SH
	}
	return unix.Flock(int(s.f.Fd()), how|unix.LOCK_NB)
}

func (s *fileStore) unlock() error {
	return unix.Flock(int(s.f.Fd()), unix.LOCK_UN)
}

func (s *fileStore) size() (int64, error) {
	info, err := s.f.Stat()
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

func (s *fileStore) truncate(size int64) error {
	return s.f.Truncate(size)
}

func (s *fileStore) writeAt(b []byte, off int64) error {
	_, err := s.f.WriteAt(b, off)
	return err
}

func (s *fileStore) sync() error {
	return s.f.Sync()
}

func (s *fileStore) close() error {
	return s.f.Close()
}

// mmapRegion maps the first size bytes of the file for read access. It does
// not touch any earlier mapping; DB.mmap maps the new region first and
// unmaps the previous one afterwards.
func mmapRegion(f *os.File, size int) ([]byte, error) {
	return unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ, unix.MAP_SHARED)
}

func munmapRegion(data []byte) error {
	if data == nil {
		return nil
	}
	return unix.Munmap(data)
}

// madviseRandom hints the kernel against sequential readahead, matching the
// store's random B+tree access pattern.
func madviseRandom(data []byte) error {
	if data == nil {
		return nil
	}
	return unix.Madvise(data, unix.MADV_RANDOM)
}
