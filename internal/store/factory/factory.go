package factory

import (
	"errors"
	"strings"

	"github.com/loykin/botvisor/internal/store"
	"github.com/loykin/botvisor/internal/store/jsonfile"
	pg "github.com/loykin/botvisor/internal/store/postgres"
	sq "github.com/loykin/botvisor/internal/store/sqlite"
)

// NewFromDSN selects a store implementation based on DSN.
// Supported:
//   - memory:   "memory://"
//   - json:     "json://<path>" or a bare path ending in .json
//   - sqlite:   "sqlite://<path>" or any other bare path
//   - postgres: DSN starting with "postgres://" or "postgresql://"
func NewFromDSN(dsn string) (store.Store, error) {
	d := strings.TrimSpace(dsn)
	ld := strings.ToLower(d)
	switch {
	case ld == "":
		return nil, errors.New("empty DSN")
	case strings.HasPrefix(ld, "memory://"):
		return store.NewMemory(), nil
	case strings.HasPrefix(ld, "postgres://") || strings.HasPrefix(ld, "postgresql://"):
		return pg.New(d)
	case strings.HasPrefix(ld, "sqlite://"):
		return sq.New(d[len("sqlite://"):])
	case strings.HasPrefix(ld, "json://"):
		return jsonfile.New(d[len("json://"):])
	case strings.HasSuffix(ld, ".json"):
		return jsonfile.New(d)
	}
	// default to sqlite path
	return sq.New(d)
}
