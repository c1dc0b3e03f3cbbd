// Package restore implements the node-local half of keyset restoration:
// the Ciphertext Store for operator uploads, the Decryption-Share Pool for
// recovery-party submissions, the Reconstructor that turns both into this
// node's raw prior-network shares, and the progress tracker behind the
// status endpoints.
//
// Inputs are accepted in the order blinders, bundle, decryption shares;
// an input whose precondition is unmet is rejected with a
// PreconditionUnmet error and nothing is persisted. Secrets derived during
// reconstruction live in a cryptoutils.Scope and are wiped on every exit
// path; the recovered share leaves the package as a SecretScalar owned by
// the ShareSink.
package restore
