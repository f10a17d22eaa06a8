//go:build consul

package consul

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	consulapi "github.com/hashicorp/consul/api"
	"github.com/hashicorp/go-hclog"

	"frpc-authproxy/pkg/model"
)

// DefaultKey is where the external pair is mirrored when no key is configured.
const DefaultKey = "frpc-authproxy/credentials/external"

// Store keeps the external pair in memory and mirrors it to a Consul KV key,
// so proxy replicas fronting the same frpc converge on rotated credentials.
type Store struct {
	cli    *consulapi.Client
	key    string
	logger hclog.Logger

	mu       sync.RWMutex
	external model.Credentials
	internal model.Credentials
	index    uint64
}

// kvCredentials is the KV wire form. model.Credentials hides the password
// from JSON, so it cannot be used here.
type kvCredentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func NewStore(addr, key string, external, internal model.Credentials, logger hclog.Logger) *Store {
	cfg := consulapi.DefaultConfig()
	if addr != "" {
		cfg.Address = addr
	}
	if key == "" {
		key = DefaultKey
	}
	cli, err := consulapi.NewClient(cfg)
	if err != nil {
		logger.Error("consul client init failed; credentials will not be mirrored", "addr", addr, "error", err)
	}
	s := &Store{
		cli:      cli,
		key:      key,
		logger:   logger,
		external: external,
		internal: internal,
	}
	s.seed()
	return s
}

// seed replaces the startup pair with the mirrored one when the key exists.
func (s *Store) seed() {
	if s.cli == nil {
		return
	}
	kv, meta, err := s.cli.KV().Get(s.key, nil)
	if err != nil {
		s.logger.Warn("consul seed read failed", "key", s.key, "error", err)
		return
	}
	if meta != nil {
		s.index = meta.LastIndex
	}
	if kv == nil {
		return
	}
	c, err := decode(kv.Value)
	if err != nil {
		s.logger.Warn("ignoring malformed credentials in consul", "key", s.key, "error", err)
		return
	}
	s.external = c
	s.logger.Info("external credentials seeded from consul", "key", s.key, "user", c.Username)
}

func (s *Store) External() model.Credentials {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.external
}

func (s *Store) Internal() model.Credentials {
	return s.internal
}

func (s *Store) SetExternal(c model.Credentials) bool {
	if c.IsZero() {
		return false
	}
	s.mu.Lock()
	s.external = c
	s.mu.Unlock()

	if err := s.put(c); err != nil {
		s.logger.Error("consul mirror write failed", "key", s.key, "error", err)
	}
	return true
}

func (s *Store) put(c model.Credentials) error {
	if s.cli == nil {
		return fmt.Errorf("consul client not configured")
	}
	b, err := json.Marshal(kvCredentials{Username: c.Username, Password: c.Password})
	if err != nil {
		return err
	}
	_, err = s.cli.KV().Put(&consulapi.KVPair{Key: s.key, Value: b}, nil)
	return err
}

// Watch follows the mirrored key with blocking queries and adopts pairs
// written by other replicas. It returns when ctx is done.
func (s *Store) Watch(ctx context.Context) {
	if s.cli == nil {
		return
	}
	q := (&consulapi.QueryOptions{WaitIndex: s.index, WaitTime: 5 * time.Minute}).WithContext(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		kv, meta, err := s.cli.KV().Get(s.key, q)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Debug("consul watch failed", "key", s.key, "error", err)
			time.Sleep(time.Second)
			continue
		}
		if meta.LastIndex < q.WaitIndex {
			q.WaitIndex = 0
			continue
		}
		q.WaitIndex = meta.LastIndex
		if kv == nil {
			continue
		}
		c, err := decode(kv.Value)
		if err != nil {
			continue
		}
		s.mu.Lock()
		changed := c != s.external
		s.external = c
		s.mu.Unlock()
		if changed {
			s.logger.Info("external credentials updated from consul", "user", c.Username)
		}
	}
}

func decode(b []byte) (model.Credentials, error) {
	var kc kvCredentials
	if err := json.Unmarshal(b, &kc); err != nil {
		return model.Credentials{}, err
	}
	c := model.Credentials{Username: kc.Username, Password: kc.Password}
	if c.IsZero() {
		return model.Credentials{}, fmt.Errorf("blank username")
	}
	return c, nil
}
