package partition

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"regexp"
	"strings"

	"github.com/spf13/afero"
)

const swapSizeMB = 2000

var pruneLine = regexp.MustCompile(`^prune=\d+$`)

// editLines rewrites path line by line, keeping its mode.
func editLines(afs afero.Fs, path string, edit func(line string) string) error {
	st, err := afs.Stat(path)
	if err != nil {
		return err
	}
	b, err := afero.ReadFile(afs, path)
	if err != nil {
		return err
	}
	lines := strings.Split(string(b), "\n")
	for i, l := range lines {
		lines[i] = edit(l)
	}
	return afero.WriteFile(afs, path, []byte(strings.Join(lines, "\n")), st.Mode().Perm())
}

// tuneNodeConfig keeps pruning on small devices and turns on the
// transaction index on large ones.
func tuneNodeConfig(afs afero.Fs, path string, sizeMB, thresholdMB int64) error {
	if sizeMB < thresholdMB {
		prune := sizeMB / 2
		return editLines(afs, path, func(l string) string {
			if pruneLine.MatchString(strings.TrimSpace(l)) {
				return fmt.Sprintf("prune=%d", prune)
			}
			return l
		})
	}
	return editLines(afs, path, func(l string) string {
		t := strings.TrimSpace(l)
		switch {
		case pruneLine.MatchString(t):
			return "#" + t
		case t == "#txindex=1":
			return "txindex=1"
		}
		return l
	})
}

// moveSwap points the dphys-swapfile config at the data partition.
func moveSwap(afs afero.Fs, path, mountPoint string) error {
	return editLines(afs, path, func(l string) string {
		if strings.Contains(l, "CONF_SWAPFILE") {
			l = strings.TrimLeft(l, "#")
		}
		l = strings.ReplaceAll(l, "/var/swap", strings.TrimSuffix(mountPoint, "/")+"/swap")
		if strings.TrimSpace(l) == "CONF_SWAPSIZE=100" {
			l = fmt.Sprintf("CONF_SWAPSIZE=%d", swapSizeMB)
		}
		return l
	})
}

// appendFstab adds a mount entry for uuid unless one exists. It reports
// whether the file changed.
func appendFstab(afs afero.Fs, path, uuid, mountPoint string) (bool, error) {
	b, err := afero.ReadFile(afs, path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return false, err
	}
	key := "UUID=" + uuid
	for _, l := range strings.Split(string(b), "\n") {
		if f := strings.Fields(l); len(f) > 0 && f[0] == key {
			return false, nil
		}
	}
	content := string(b)
	if content != "" && !strings.HasSuffix(content, "\n") {
		content += "\n"
	}
	content += fmt.Sprintf("%s %s ext4 defaults,noatime 0 0\n", key, mountPoint)
	mode := os.FileMode(0o644)
	if st, err := afs.Stat(path); err == nil {
		mode = st.Mode().Perm()
	}
	return true, afero.WriteFile(afs, path, []byte(content), mode)
}
