// Package interfaces defines the core types and interfaces of the keyset
// restore node, separating contracts between components from their
// implementations.
//
// # Domain Types
//
//   - KeysetID, RootKey, RootKeyID: the keyset and its root keys as recorded
//     in the key-router contract
//   - Blinders, DecryptionShare, RecoveryPartyConfig: restore inputs
//   - Committee, Validator: the staking contract's validator set for an epoch
//   - LifecycleState, NetworkState: node-local and on-chain state machines
//   - RestoreStatus: read-only progress view
//
// # Chain Interfaces
//
// StakingReader, KeyRouterReader and ContractResolver are read-only views of
// the chain. WalletRegistrar is the single write path, used when rejoining.
//
// # Storage Interfaces
//
// BlobStore provides content-addressed storage for archived backup tarballs
// across multiple backend types (file, S3, IPFS, Vault).
//
// # Errors
//
// Every error surfaced by the restore subsystem wraps one of the *Error
// sentinels in errors.go. KindOf classifies a wrapped error into the
// taxonomy used for retries, quarantine and HTTP status mapping.
package interfaces
