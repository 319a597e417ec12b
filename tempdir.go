package uvc

import (
	"os"
)

const snapshotPrefix = "uvccapture"

// memoryRoots are tried in order for snapshot directories. A snapshot
// stream writes a frame every interval, so tmpfs spares the disk.
var memoryRoots = []string{"/dev/shm", "/run/shm"}

// TempDir makes a new snapshot directory, on tmpfs when available and in
// os.TempDir otherwise.
func TempDir() (string, error) {
	return tempDirIn(memoryRoots...)
}

func tempDirIn(roots ...string) (string, error) {
	for _, root := range roots {
		// Roots must already exist; nothing is created under /dev.
		fi, err := os.Stat(root)
		if err != nil || !fi.IsDir() {
			continue
		}
		if dir, err := os.MkdirTemp(root, snapshotPrefix); err == nil {
			return dir, nil
		}
	}
	return os.MkdirTemp("", snapshotPrefix)
}
