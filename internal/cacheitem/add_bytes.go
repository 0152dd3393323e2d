package cacheitem

import (
	"archive/tar"
	"time"
)

// AddBytes writes an in-memory entry to the tar, the way AddFile does for a
// real file on disk. Used to bundle a task's captured stdio logs into its
// outputs archive without round-tripping them through the filesystem first.
func (ci *CacheItem) AddBytes(name string, data []byte, mode int64) error {
	header := &tar.Header{
		Typeflag: tar.TypeReg,
		Name:     name,
		Size:     int64(len(data)),
		Mode:     mode,
		Uid:      0,
		Gid:      0,
	}
	header.AccessTime = time.Unix(0, 0)
	header.ModTime = time.Unix(0, 0)
	header.ChangeTime = time.Unix(0, 0)

	if err := ci.tw.WriteHeader(header); err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}
	_, err := ci.tw.Write(data)
	return err
}
