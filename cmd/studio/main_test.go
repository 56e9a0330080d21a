package main

import (
	"bytes"
	"reflect"
	"strings"
	"testing"

	"github.com/mpataki/studio/internal/logging"
	"github.com/mpataki/studio/internal/models"
	"github.com/mpataki/studio/internal/registry"
)

func TestParsePicks(t *testing.T) {
	tests := []struct {
		name    string
		picks   []string
		raw     string
		want    models.Selection
		wantErr bool
	}{
		{"single", []string{"format=Blog"}, "", models.Selection{"format": {"Blog"}}, false},
		{"repeated multi", []string{"extras=Images", "extras = Quotes"}, "", models.Selection{"extras": {"Images", "Quotes"}}, false},
		{"empty multi", []string{"extras="}, "", models.Selection{"extras": {}}, false},
		{"json plus pick", []string{"extras=Images"}, `{"format":"Thread"}`, models.Selection{"format": {"Thread"}, "extras": {"Images"}}, false},
		{"label with equals", []string{"tone=a=b"}, "", models.Selection{"tone": {"a=b"}}, false},
		{"missing equals", []string{"format"}, "", nil, true},
		{"missing category", []string{"=Blog"}, "", nil, true},
		{"bad json", nil, "{", nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parsePicks(tt.picks, tt.raw)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && !reflect.DeepEqual(got, tt.want) {
				t.Errorf("got %#v, want %#v", got, tt.want)
			}
		})
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("short", 10); got != "short" {
		t.Errorf("got %q", got)
	}
	if got := truncate("a long idea about tea", 10); got != "a long ..." {
		t.Errorf("got %q", got)
	}
}

func TestWarnMissingProviders(t *testing.T) {
	reg, err := registry.Default()
	if err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	warnMissingProviders(logging.NewWriterLogger(&buf, logging.LevelWarn), reg, []string{registry.DefaultProvider})
	if buf.Len() != 0 {
		t.Errorf("unexpected warnings: %s", buf.String())
	}

	warnMissingProviders(logging.NewWriterLogger(&buf, logging.LevelWarn), reg, nil)
	if n := strings.Count(buf.String(), "agent provider not configured"); n != 1 {
		t.Errorf("got %d warnings, want one per provider:\n%s", n, buf.String())
	}
}
