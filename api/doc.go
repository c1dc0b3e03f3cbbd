/*
Package api holds the wire types shared by the restore node's HTTP surfaces
and the clients that talk to them.

A node serves three route groups from one chi router:

  - adminhandler: operator endpoints (status, set_blinders, set_key_backup,
    abort_restore). Every request carries an x-auth-sig header, a SIWE
    message signed by the configured admin key, checked by package auth.
  - recoveryhandler: public endpoints for the recovery party. Share
    submissions are authenticated by the member signature inside the body.
  - peerhandler: node to node deals during the rebind round. Deals are
    signed by the dealing node's wallet key.

Package server wraps the router with logging, metrics, pprof and the
drain/readiness endpoints. Package clients has typed Go clients for the
admin and recovery surfaces.

Failures cross the wire in the Response envelope with success "false" and an
error_code. StatusFor picks the HTTP status from the error kind and DecodeError
turns an envelope back into an error that matches the interfaces sentinels
with errors.Is. Authentication
failures are always reported as a bare 401 without detail.
*/
package api
