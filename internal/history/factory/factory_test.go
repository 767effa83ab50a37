package factory

import (
	"path/filepath"
	"testing"

	"github.com/loykin/botvisor/internal/history/opensearch"
	"github.com/loykin/botvisor/internal/history/sqlite"
)

func TestFactoryDSNTypes(t *testing.T) {
	tests := []struct {
		name        string
		dsn         string
		expectError bool
	}{
		{"Empty DSN", "", true},
		{"Invalid scheme", "invalid://test", true},
		{"OpenSearch without host", "opensearch:///idx", true},
		{"SQLite file DSN", "sqlite://" + filepath.Join(t.TempDir(), "h.db"), false},
		{"SQLite memory DSN", "sqlite://:memory:", false},
		{"Bare path", filepath.Join(t.TempDir(), "bare.db"), false},
		{"OpenSearch DSN", "opensearch://localhost:9200/worker-logs", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sink, err := NewSinkFromDSN(tt.dsn)
			if tt.expectError {
				if err == nil {
					t.Errorf("expected error for DSN %q, got nil", tt.dsn)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error for DSN %q: %v", tt.dsn, err)
			}
			if sink == nil {
				t.Fatalf("expected non-nil sink for DSN %q", tt.dsn)
			}
			if closer, ok := sink.(interface{ Close() error }); ok {
				_ = closer.Close()
			}
		})
	}
}

func TestSinkKinds(t *testing.T) {
	s, err := NewSinkFromDSN("sqlite://:memory:")
	if _, ok := s.(*sqlite.Sink); err != nil || !ok {
		t.Fatalf("sqlite: %T %v", s, err)
	}
	o, err := NewSinkFromDSN("elasticsearch://u:p@search:9200")
	if _, ok := o.(*opensearch.Sink); err != nil || !ok {
		t.Fatalf("opensearch: %T %v", o, err)
	}
}

func TestParseClickHouseDSN(t *testing.T) {
	o, err := parseClickHouseDSN("clickhouse://writer:pw@ch:9000/metrics?table=events")
	if err != nil {
		t.Fatal(err)
	}
	if o.Addr != "ch:9000" || o.Database != "metrics" || o.Table != "events" || o.Username != "writer" || o.Password != "pw" {
		t.Fatalf("unexpected options: %+v", o)
	}
	d, _ := parseClickHouseDSN("clickhouse://")
	if d.Addr != "localhost:9000" {
		t.Fatalf("expected default addr, got %q", d.Addr)
	}
}

func TestNewSinks(t *testing.T) {
	sinks, err := NewSinks([]string{"sqlite://:memory:", "opensearch://localhost:9200/x"})
	if err != nil || len(sinks) != 2 {
		t.Fatalf("sinks=%d err=%v", len(sinks), err)
	}
	if _, err := NewSinks([]string{"sqlite://:memory:", "bogus://"}); err == nil {
		t.Fatal("expected error")
	}
}
