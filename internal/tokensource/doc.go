// Package tokensource talks to the upstream OAuth2 authorization server on behalf of the
// single service account: refresh-token grants, device authorization and single-shot
// device-code exchanges.
//
// Errors are classified so callers can decide what to retry:
//   - ErrRefreshRejected: the server refused the refresh token (invalid_grant and friends);
//     retrying with the same token cannot succeed.
//   - ErrTransient: timeouts, 429 and 5xx responses; safe to retry.
//   - *OAuthError: a structured error response from the token endpoint, carrying the
//     RFC 6749 / RFC 8628 error code.
//
// Some providers want JSON-encoded token requests instead of form encoding. Enable
// Config.JSONRequests to rewrite outgoing token requests:
//
//	client, err := tokensource.New(tokensource.Config{
//		ClientID:      clientID,
//		DeviceAuthURL: "https://login.example.com/oauth/device/code",
//		TokenURL:      "https://login.example.com/oauth/token",
//		JSONRequests:  true,
//	})
package tokensource
