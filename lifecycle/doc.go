// Package lifecycle drives a node through a restore:
//
//	Active -> Restore -> RestoreReady -> Rebinding -> Rejoining -> Active
//
// Restore is entered when the staking contract flips to its Restore state.
// RestoreReady is a node-local report that every hosted root key has been
// reconstructed. Rebinding starts once the network leaves Restore, and the
// node returns to Active after the next epoch's committee includes it.
package lifecycle
