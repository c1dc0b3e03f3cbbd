// Package rebind moves recovered prior-network shares onto the committee
// of the epoch that follows the restore.
//
// Every committee member that holds a prior share s_i of a root key derives
// a polynomial h_i with h_i(0) = s_i and sends h_i(j), encrypted to member
// j, together with Feldman commitments to h_i. Member j checks that each
// h_i commits to the dealer's prior share, then interpolates the received
// evaluations over the dealers' prior indices. The result is j's share of
// the same group secret under a polynomial of the new threshold. The new
// group commitment must equal the key published on chain before the share
// file is written.
package rebind
