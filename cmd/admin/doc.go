// Package main (cmd/admin) is the operator CLI for a restore node.
//
// Every command that talks to the node signs a fresh SIWE auth sig with the
// operator key. The node only accepts it from the configured admin address,
// for its own host, within the expiration window and once per nonce.
//
// Commands:
//
//	generate-key     - Generate a secp256k1 operator key and print its address
//	set-blinders     - Install the per-curve blinders of a keyset
//	set-key-backup   - Upload this node's backup tarball
//	status           - Print the detailed restore status
//	abort-restore    - End a restore, discarding or retaining material
//	auth-sig         - Print an x-auth-sig header value for manual requests
//
// Typical restore, per node, once the network is in Restore:
//
//	admin set-blinders --node-url=https://node-1.example.org --privkey-file=admin.key --blinders-file=node-1/blinders.json
//	admin set-key-backup --node-url=https://node-1.example.org --privkey-file=admin.key --backup-file=node-1/bundle.tar.gz
//	admin status --node-url=https://node-1.example.org --privkey-file=admin.key
//
// Blinders must be installed before the backup is uploaded.
package main
