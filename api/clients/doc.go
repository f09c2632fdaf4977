/*
Package clients provides the HTTP client for the key rotation admin API.

RotationClient wraps every route under /api/admin/keypair. When constructed
with an operator key it signs each POST body with an EIP-191 personal
signature in X-Operator-Signature, which the server checks against the
identity in the body.

Failed requests return *APIError carrying the status code and the decoded
ErrorResponse, so callers can inspect the rotation failure reason:

	resp, err := client.Rotate(ctx, api.RotateRequest{...})
	var apiErr *clients.APIError
	if errors.As(err, &apiErr) && apiErr.Body.RequiresOperator {
		// reconcile by hand
	}
*/
package clients
