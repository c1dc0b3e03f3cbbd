package interfaces

import "fmt"

// NetworkState mirrors the staking contract's state enum.
type NetworkState uint8

const (
	NetworkActive NetworkState = iota
	NetworkNextValidatorSetLocked
	NetworkReadyForNextEpoch
	NetworkUnlocked
	NetworkPaused
	NetworkRestore
)

func (s NetworkState) String() string {
	switch s {
	case NetworkActive:
		return "Active"
	case NetworkNextValidatorSetLocked:
		return "NextValidatorSetLocked"
	case NetworkReadyForNextEpoch:
		return "ReadyForNextEpoch"
	case NetworkUnlocked:
		return "Unlocked"
	case NetworkPaused:
		return "Paused"
	case NetworkRestore:
		return "Restore"
	default:
		return fmt.Sprintf("NetworkState(%d)", uint8(s))
	}
}

// LifecycleState is the node-local restore lifecycle.
type LifecycleState int

const (
	StateActive LifecycleState = iota
	StateRestore
	StateRestoreReady
	StateRebinding
	StateRejoining
)

func (s LifecycleState) String() string {
	switch s {
	case StateActive:
		return "Active"
	case StateRestore:
		return "Restore"
	case StateRestoreReady:
		return "RestoreReady"
	case StateRebinding:
		return "Rebinding"
	case StateRejoining:
		return "Rejoining"
	default:
		return "Unknown"
	}
}

// RootKeyStage tracks one root key through the restore.
type RootKeyStage int

const (
	StageAwaitingShares RootKeyStage = iota
	StageThresholdReady
	StageReconstructing
	StageReconstructed
	StagePersisted
	StageFailed
)

func (s RootKeyStage) String() string {
	switch s {
	case StageAwaitingShares:
		return "awaiting_shares"
	case StageThresholdReady:
		return "threshold_ready"
	case StageReconstructing:
		return "reconstructing"
	case StageReconstructed:
		return "reconstructed"
	case StagePersisted:
		return "persisted"
	case StageFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// MarshalText renders the stage name in status responses.
func (s RootKeyStage) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *RootKeyStage) UnmarshalText(b []byte) error {
	for st := StageAwaitingShares; st <= StageFailed; st++ {
		if st.String() == string(b) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown root key stage %q", string(b))
}

// RootKeyStatus is the externally visible progress of one root key.
type RootKeyStatus struct {
	Curve        Curve        `json:"curve"`
	Index        uint32       `json:"index"`
	Stage        RootKeyStage `json:"stage"`
	SharesHeld   int          `json:"shares_held"`
	SharesNeeded int          `json:"shares_needed"`
	Error        string       `json:"error,omitempty"`
}

// KeysetStatus is the progress of one hosted keyset.
type KeysetStatus struct {
	Keyset          KeysetID        `json:"keyset_id"`
	BlindersSet     bool            `json:"blinders_set"`
	BundleUploaded  bool            `json:"bundle_uploaded"`
	Quarantined     bool            `json:"quarantined"`
	QuarantineCause string          `json:"quarantine_cause,omitempty"`
	RootKeys        []RootKeyStatus `json:"root_keys"`
}

// RestoreStatus is the read-only view served to orchestrators.
type RestoreStatus struct {
	State       string         `json:"state"`
	Aborted     bool           `json:"aborted"`
	TargetEpoch uint64         `json:"target_epoch,omitempty"`
	Keysets     []KeysetStatus `json:"keysets"`
}
