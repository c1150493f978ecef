package main

import (
	"fmt"
	"os"
	"path/filepath"
)

// daemonLock is the advisory O_EXCL file that keeps two `vaultsync run`
// processes from racing the same application journal on one data directory.
type daemonLock struct {
	path string
	file *os.File
}

func acquireDaemonLock(dataDir string) (*daemonLock, error) {
	if dataDir == "" {
		return &daemonLock{}, nil
	}
	path := filepath.Join(dataDir, "daemon.lock")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		if os.IsExist(err) {
			return nil, fmt.Errorf("another vaultsync daemon already owns %s", dataDir)
		}
		return nil, fmt.Errorf("acquire daemon lock: %w", err)
	}
	fmt.Fprintf(f, "%d\n", os.Getpid())
	return &daemonLock{path: path, file: f}, nil
}

func (l *daemonLock) release() {
	if l.file == nil {
		return
	}
	_ = l.file.Close()
	_ = os.Remove(l.path)
}
