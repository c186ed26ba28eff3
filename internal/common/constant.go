// Package common contains shared constants, sentinel errors and small helpers
// used across securemsg components.
package common

// AccessTokenHeaderName is the gRPC metadata key (and websocket query
// parameter) used to carry the access token on inbound requests.
const AccessTokenHeaderName = "access_token"

// SystemSenderID marks packages and notices issued by the server itself,
// e.g. during key rotation.
const SystemSenderID = "system"

// Key purposes used when looking up the newest usable key of a user.
const (
	PurposeWrap = "wrap"
	PurposeSign = "sign"
)
