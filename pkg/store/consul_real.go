//go:build consul

package store

import (
	"github.com/hashicorp/go-hclog"

	"frpc-authproxy/pkg/consul"
	"frpc-authproxy/pkg/model"
)

// NewConsulStore creates a Consul-mirrored store (requires build tag consul).
func NewConsulStore(addr, key string, external, internal model.Credentials, logger hclog.Logger) CredentialStore {
	return consul.NewStore(addr, key, external, internal, logger)
}
