//go:build linux

package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// Filesystem magic numbers (statfs f_type) that SQLite locking cannot trust.
var networkFilesystems = map[int64]string{
	unix.NFS_SUPER_MAGIC: "nfs",
	unix.SMB_SUPER_MAGIC: "smbfs",
	0xFF534D42:           "cifs",
	0xFE534D42:           "smb2",
}

type fsDetector func(path string) (int64, error)

func statfsType(path string) (int64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return 0, fmt.Errorf("statfs %q: %w", path, err)
	}
	return int64(st.Type), nil
}

// validateSQLiteFilesystem rejects database paths on network filesystems.
func validateSQLiteFilesystem(path string) error {
	return checkLocalFilesystem(path, statfsType)
}

func checkLocalFilesystem(path string, detect fsDetector) error {
	dir, err := existingAncestor(path)
	if err != nil {
		return fmt.Errorf("resolve database path %q: %w", path, err)
	}
	magic, err := detect(dir)
	if err != nil {
		return err
	}
	if name, ok := networkFilesystems[magic]; ok {
		return fmt.Errorf("database path %q is on a %s filesystem; SQLite needs local storage, set state.path to a local file", path, name)
	}
	return nil
}

// existingAncestor returns path itself or its closest parent that exists.
func existingAncestor(path string) (string, error) {
	p, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	for {
		_, err := os.Stat(p)
		if err == nil {
			return p, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return "", err
		}
		parent := filepath.Dir(p)
		if parent == p {
			return "", fmt.Errorf("no existing parent directory")
		}
		p = parent
	}
}
