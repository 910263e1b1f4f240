// Package chfs implements C5, the file channels: fsread1, fsreplace1,
// fswatch1, and fsdir/fslist1. All four share path validation and the
// inode+mtime "tag" scheme for optimistic concurrency (spec §3, §4.4),
// grounded on original_source/src/bridge/cockpitfsread.c and
// cockpitfsreplace.c's use of struct stat's st_ino/st_mtim to build a tag
// string.
package chfs

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/cockpit-project/cockpit-sub006/internal/problem"
)

// AbsentTag is the tag reported for a file that does not exist.
const AbsentTag = "-"

// Tag computes the opaque content-version tag for path: AbsentTag if the
// file does not exist, or a string combining inode and modification time
// otherwise. Tags are only ever compared byte-for-byte (spec §3 "File
// tag").
func Tag(path string) (string, error) {
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return AbsentTag, nil
	}
	if err != nil {
		return "", err
	}
	stat, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		// Non-Unix fallback: size+mtime is strictly weaker than
		// inode+mtime but still changes on any in-place rewrite.
		return fmt.Sprintf("%d-%d", info.Size(), info.ModTime().UnixNano()), nil
	}
	return fmt.Sprintf("%d-%d.%d", stat.Ino, stat.Mtim.Sec, stat.Mtim.Nsec), nil
}

// ValidatePath enforces spec §4.4's common contract: path is required,
// non-empty, and must not traverse upward out of its own tree via "..".
func ValidatePath(path string) *problem.Error {
	if path == "" {
		return problem.Newf(problem.ProtocolError, "missing required \"path\" option")
	}
	clean := filepath.Clean(path)
	for _, part := range strings.Split(clean, string(filepath.Separator)) {
		if part == ".." {
			return problem.Newf(problem.AccessDenied, "path must not contain upward traversal")
		}
	}
	return nil
}
