//go:build !linux && !darwin

package storage

import "os"

// On unsupported platforms the store file is not locked.
func lockFile(*os.File) error {
	return nil
}

func unlockFile(*os.File) error {
	return nil
}
