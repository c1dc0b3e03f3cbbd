// Package storage provides content-addressed blob stores for backup
// tarballs received by the node.
//
// The local FileStore is the node's durable log: a tarball is written and
// fsynced there before the Ciphertext Store indexes it. Remote stores
// (S3, Vault KV v2, IPFS MFS) are optional mirrors configured by URI and
// combined with MultiStore; a mirror failure never fails an upload.
//
// Content IDs are the SHA-256 of the blob, and every Fetch re-hashes what
// it read before returning it.
//
// Location URIs:
//
//	file:///var/lib/keyset-restore/backups
//	s3://ACCESS:SECRET@bucket/prefix?region=us-east-1&endpoint=minio:9000
//	vault://vault.internal:8200/secret/keyset-restore?token=...
//	ipfs://127.0.0.1:5001/keyset-restore?timeout=30s
package storage
