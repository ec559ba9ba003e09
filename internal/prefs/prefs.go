// Package prefs is the key-value preference store behind the persisted
// tunnel set and the boot marker.
package prefs

import (
	"fmt"

	"github.com/treykane/wg-manager/internal/appconfig"
)

// Keys used by the tunnel manager and the lifecycle coordinator.
const (
	KeyRunningTunnels = "enabled_configs"
	KeyRestoredBoot   = "restored_boot_time"
)

// Store reads and writes ordered string lists by key. A missing key reads as
// an empty list.
type Store interface {
	Strings(key string) ([]string, error)
	SetStrings(key string, values []string) error
	Close() error
}

// PersistenceError reports a failed preference read or write.
type PersistenceError struct {
	Op  string
	Key string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("prefs %s %s: %v", e.Op, e.Key, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// Open returns the store selected by cfg.Prefs.Driver.
func Open(cfg appconfig.Config) (Store, error) {
	path, err := cfg.PrefsFilePath()
	if err != nil {
		return nil, err
	}
	if cfg.Prefs.Driver == appconfig.PrefsDriverSQLite {
		return OpenSQLite(path)
	}
	return NewFileStore(path), nil
}
