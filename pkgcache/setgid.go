package pkgcache

import "os"

// setgidBestEffort sets the setgid bit on dir. Some filesystems (notably
// FAT/exFAT mounts and several CI sandboxes) reject this; failure is
// logged by the caller and otherwise ignored.
func setgidBestEffort(dir string) error {
	fi, err := os.Stat(dir)
	if err != nil {
		return err
	}
	return os.Chmod(dir, fi.Mode()|os.ModeSetgid)
}
