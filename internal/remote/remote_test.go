package remote

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestQuery_Encode(t *testing.T) {
	tests := []struct {
		name  string
		query Query
		want  string
	}{
		{"equal", Equal("status", "active"), `{"method":"equal","attribute":"status","values":["active"]}`},
		{"orderDesc", OrderDesc(AttrCreatedAt), `{"method":"orderDesc","attribute":"$createdAt"}`},
		{"limit", Limit(25), `{"method":"limit","values":[25]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.query.Encode()
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("Encode() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestOwnedByUser(t *testing.T) {
	got := OwnedByUser("u1")
	want := []string{`read("any")`, `update("user:u1")`, `delete("user:u1")`}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("OwnedByUser() mismatch (-want +got):\n%s", diff)
	}
}

func TestDocument_String(t *testing.T) {
	doc := &Document{Data: map[string]any{"title": "hello", "count": 3}}

	if got := doc.String("title"); got != "hello" {
		t.Errorf("String(title) = %q, want %q", got, "hello")
	}
	if got := doc.String("count"); got != "" {
		t.Errorf("String(count) = %q, want empty", got)
	}
	if got := doc.String("missing"); got != "" {
		t.Errorf("String(missing) = %q, want empty", got)
	}

	var nilDoc *Document
	if got := nilDoc.String("title"); got != "" {
		t.Errorf("nil doc String() = %q, want empty", got)
	}
}

func TestNewID_Unique(t *testing.T) {
	a, b := NewID(), NewID()
	if a == "" || a == b {
		t.Errorf("NewID() returned %q and %q, want distinct non-empty ids", a, b)
	}
}
