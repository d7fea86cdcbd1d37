//go:build !unix

package disk

import "os"

// lockFile is a stub on non-Unix platforms; the per-key mutex still
// serializes access within the process.
func lockFile(f *os.File) error { return nil }

// unlockFile is a stub counterpart to lockFile on non-Unix platforms.
func unlockFile(f *os.File) error { return nil }
