package store

import (
	"bytes"
	"io/fs"
	"path/filepath"

	"github.com/cockroachdb/pebble"
)

// StorageStats is a compact view of the store exposed on the metrics
// endpoint and the readiness probe.
type StorageStats struct {
	Events    uint64 `json:"events"`
	Resources uint64 `json:"resources"`
	LastSeq   uint64 `json:"last_seq"`
	DiskBytes uint64 `json:"disk_bytes"`
}

// GetStorageStats returns best-effort counts and on-disk size. Failures
// leave the affected fields zero rather than erroring the caller.
func GetStorageStats() StorageStats {
	var s StorageStats
	if db == nil {
		return s
	}
	s.Events = countPrefix(eventPrefix)
	s.Resources = countPrefix(resourcePrefix)
	if n, err := LastSeq(); err == nil {
		s.LastSeq = n
	}
	if dbPath != "" {
		_ = filepath.WalkDir(dbPath, func(p string, d fs.DirEntry, err error) error {
			if err != nil || d.IsDir() {
				return nil
			}
			if fi, err := d.Info(); err == nil {
				s.DiskBytes += uint64(fi.Size())
			}
			return nil
		})
	}
	return s
}

func countPrefix(prefix string) uint64 {
	iter, err := db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return 0
	}
	defer iter.Close()
	p := []byte(prefix)
	var n uint64
	for iter.SeekGE(p); iter.Valid(); iter.Next() {
		if !bytes.HasPrefix(iter.Key(), p) {
			break
		}
		n++
	}
	return n
}
