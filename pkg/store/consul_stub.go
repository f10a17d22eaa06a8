//go:build !consul

package store

import (
	"github.com/hashicorp/go-hclog"

	"frpc-authproxy/pkg/model"
)

// NewConsulStore returns a memory store when the consul build tag is not enabled.
func NewConsulStore(addr, _ string, external, internal model.Credentials, logger hclog.Logger) CredentialStore {
	logger.Warn("consul store requested but consul build tag not enabled; using memory store", "addr", addr)
	return NewMemoryStore(external, internal)
}
