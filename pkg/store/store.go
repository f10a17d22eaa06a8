package store

import "frpc-authproxy/pkg/model"

// CredentialStore holds the external (caller-facing) and internal
// (upstream-facing) credential pairs.
// The external pair can be rotated at runtime; the internal pair is fixed at
// construction.
type CredentialStore interface {
	External() model.Credentials
	// SetExternal swaps in a new external pair. Blank pairs are ignored and
	// false is returned.
	SetExternal(model.Credentials) bool
	Internal() model.Credentials
}
