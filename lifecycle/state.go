package lifecycle

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/ruteri/keyset-restore/backup"
	"github.com/ruteri/keyset-restore/interfaces"
)

const (
	flagAborted uint32 = 1 << iota
	flagRetained
	flagRegistered
)

// savedState is the part of the controller that must survive a restart.
type savedState struct {
	State       interfaces.LifecycleState
	TargetEpoch uint64
	Aborted     bool
	Retained    bool
	Registered  bool
}

func (s *savedState) MarshalBinary() ([]byte, error) {
	var flags uint32
	if s.Aborted {
		flags |= flagAborted
	}
	if s.Retained {
		flags |= flagRetained
	}
	if s.Registered {
		flags |= flagRegistered
	}
	return backup.NewEncoder().
		PutUint32(uint32(s.State)).
		PutUint64(s.TargetEpoch).
		PutUint32(flags).
		Bytes(), nil
}

func (s *savedState) UnmarshalBinary(data []byte) error {
	d := backup.NewDecoder(data)
	state := interfaces.LifecycleState(d.Uint32())
	s.TargetEpoch = d.Uint64()
	flags := d.Uint32()
	if err := d.Finish(); err != nil {
		return fmt.Errorf("decoding lifecycle state: %w", err)
	}
	if state < interfaces.StateActive || state > interfaces.StateRejoining {
		return fmt.Errorf("decoding lifecycle state: unknown state %d", state)
	}
	s.State = state
	s.Aborted = flags&flagAborted != 0
	s.Retained = flags&flagRetained != 0
	s.Registered = flags&flagRegistered != 0
	return nil
}

// statePath is lifecycle.state under the data dir.
func statePath(dataDir string) string {
	return filepath.Join(dataDir, "lifecycle.state")
}

func writeState(dataDir string, s savedState) error {
	data, err := s.MarshalBinary()
	if err != nil {
		return err
	}
	return backup.WriteFileAtomic(statePath(dataDir), data, 0o600)
}

// readState loads the saved state. A missing file yields os.ErrNotExist.
func readState(dataDir string) (savedState, error) {
	var s savedState
	data, err := os.ReadFile(statePath(dataDir))
	if err != nil {
		return s, err
	}
	err = s.UnmarshalBinary(data)
	return s, err
}
