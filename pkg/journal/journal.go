// Package journal keeps an audit trail of privileged config updates.
//
// The journal never holds passwords, only which user rotated what and
// whether each step of the update succeeded. Writes are best-effort from
// the caller's point of view: a failing journal must not fail an update.
package journal

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/hashicorp/go-hclog"

	"frpc-authproxy/pkg/model"
)

var ErrUnknownBackend = errors.New("unknown journal backend")

type Journal interface {
	Record(ctx context.Context, rec model.UpdateRecord) error
	// Recent returns up to limit records, newest first.
	Recent(ctx context.Context, limit int) ([]model.UpdateRecord, error)
	Close() error
}

// Open parses a journal target of the form "sqlite:<path>", "mysql:<dsn>" or
// "none". An empty target is the same as "none".
func Open(ctx context.Context, target string, logger hclog.Logger) (Journal, error) {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	if target == "" || target == "none" {
		return Nop{}, nil
	}
	backend, arg, ok := strings.Cut(target, ":")
	if !ok || arg == "" {
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, target)
	}
	switch backend {
	case "sqlite":
		return OpenSQLite(ctx, arg, logger)
	case "mysql":
		return OpenMySQL(arg, logger)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, backend)
	}
}

// Nop discards records.
type Nop struct{}

func (Nop) Record(context.Context, model.UpdateRecord) error { return nil }

func (Nop) Recent(context.Context, int) ([]model.UpdateRecord, error) { return nil, nil }

func (Nop) Close() error { return nil }
