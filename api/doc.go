/*
Package api holds the wire types shared by the rotation admin API server and
its clients, and the HTTP server configuration.

Subpackages:

  - adminhandler: chi routes under /api/admin/keypair
  - clients: RotationClient for those routes

Request bodies are JSON. Callers may sign the raw body with the operator key
(EIP-191 personal message) and send the signature in X-Operator-Signature.
The 2fa enable and disable routes additionally need X-Admin-Token.
*/
package api
