/*
Package clients provides Go clients for a restore node's HTTP surface.

# AdminClient

AdminClient is used by the node operator. Each request carries a freshly
signed SIWE auth sig in the x-auth-sig header, bound to the node host and
valid for a short window:

	c, err := clients.NewAdminClient("https://node-1.example.org", operatorKey)
	err = c.SetBlinders(ctx, "", blinders)
	contentID, err := c.SetKeyBackup(ctx, "", tarball)
	status, err := c.Status(ctx)
	err = c.AbortRestore(ctx, "retain")

# RecoveryClient

RecoveryClient is used by recovery party members to push their signed
decryption shares, and by orchestrators to read public progress:

	c := clients.NewRecoveryClient("https://node-1.example.org")
	held, err := c.SubmitShare(ctx, submission)

Failed requests return errors classified by interfaces.KindOf, decoded
from the node's error envelope.
*/
package clients
