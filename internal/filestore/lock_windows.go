//go:build windows

package filestore

// fileLock is a no-op on Windows; the store's mutex still serialises
// writers inside one process.
type fileLock struct{}

func newFileLock(path string) *fileLock { return &fileLock{} }

func (fl *fileLock) Lock() error   { return nil }
func (fl *fileLock) Unlock() error { return nil }
