// Package cryptoutils provides the group arithmetic and key handling used
// by the keyset restore node.
//
// # Groups
//
// Two prime-order groups are supported behind the Group interface:
//
//   - BLS12-381 G1 (gnark-crypto), 48-byte compressed points
//   - secp256k1 (btcec), 33-byte compressed points
//
// Scalars are 32-byte big-endian values strictly below the group order.
//
// # Threshold Arithmetic
//
// Polynomial, LagrangeAtZero, InterpolateAtZero and the Feldman helpers
// (Commit, EvalCommitments, VerifyShare) implement Shamir sharing over a
// group's scalar field together with the public commitments needed to
// verify shares without revealing them. DerivePolynomial derives
// resharing polynomials from the dealt secret with HKDF, so resharing the
// same share at the same epoch always produces identical output.
//
// # Secret Handling
//
// Scope collects secret big.Ints and buffers created during an operation
// and zeroes them on Wipe; SecretScalar holds a single secret across
// operations. Both are best effort: math/big may leave copies of
// intermediate values on the heap.
//
// # Signatures and Encryption
//
// Recovery-party shares and peer messages are signed with secp256k1
// Ethereum keys (EIP-191 digests, 65-byte signatures). Rebind evaluations
// are encrypted to the recipient node's communication key with ECIES.
//
// # Attestation
//
// AttestationProvider implementations produce TDX quotes binding the
// node wallet for re-registration after a restore.
package cryptoutils
