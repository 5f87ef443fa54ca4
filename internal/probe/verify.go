package probe

import (
	"fmt"
	"os"
	"path/filepath"
	"syscall"
)

// AllowedObjectDirs are the directories a probe object file may load
// from. Loading a probe object is an untrusted-artifact-before-exec
// concern just like running a traced binary: a compromised write to an
// unexpected path should never reach ebpf.LoadCollectionSpec.
var AllowedObjectDirs = []string{
	"/usr/local/lib/tuner/probes",
	"/usr/lib/tuner/probes",
	"/opt/tuner/probes",
}

// Verifier checks probe object files before they are loaded.
type Verifier struct {
	allowedDirs []string
}

// NewVerifier returns a Verifier with the default allowed directories
// plus any extra directories the caller wants to permit (used by tests
// and by ProbeObjectDir overrides). Extra directories are resolved to
// absolute paths since VerifyObject always compares against one.
func NewVerifier(extraDirs ...string) *Verifier {
	dirs := append([]string{}, AllowedObjectDirs...)
	for _, d := range extraDirs {
		if abs, err := filepath.Abs(d); err == nil {
			dirs = append(dirs, abs)
		}
	}
	return &Verifier{allowedDirs: dirs}
}

// VerifyObject checks that path is in an allowed directory, owned by
// root, not a directory, and not world-writable.
func (v *Verifier) VerifyObject(path string) error {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve path: %w", err)
	}

	dir := filepath.Dir(absPath)
	allowed := false
	for _, d := range v.allowedDirs {
		if d == dir {
			allowed = true
			break
		}
	}
	if !allowed {
		return fmt.Errorf("probe object %q is not in an allowed directory", absPath)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return fmt.Errorf("stat %q: %w", absPath, err)
	}
	if info.IsDir() {
		return fmt.Errorf("%q is a directory", absPath)
	}

	if stat, ok := info.Sys().(*syscall.Stat_t); ok {
		if stat.Uid != 0 {
			return fmt.Errorf("probe object %q is not owned by root (uid=%d)", absPath, stat.Uid)
		}
	}

	if info.Mode().Perm()&0002 != 0 {
		return fmt.Errorf("probe object %q is world-writable (mode=%s)", absPath, info.Mode())
	}

	return nil
}
