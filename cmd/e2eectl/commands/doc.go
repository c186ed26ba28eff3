// Package commands implements e2eectl, the operator tool for a securemsg
// server: local key utilities (fingerprint, keygen), access token minting
// and the admin calls (rotate, run-job).
package commands
