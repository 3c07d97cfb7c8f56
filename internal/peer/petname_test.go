package peer

import (
	"strings"
	"testing"
)

func TestPetname_KnownVectors(t *testing.T) {
	tests := []struct {
		did  string
		want string
	}{
		{
			did:  "did:key:z6MkehRgf7yJbgaGfYsdoAsKdBPE3dj2CYhowQdcjqSJgvVd",
			want: "rare-frost",
		},
		{
			did:  "did:key:z6MkhaXgBZDvotDkL5257faiztiGiC2QtKLGpbnnEGta2doK",
			want: "clear-dune",
		},
	}
	for _, tt := range tests {
		if got := Petname(tt.did); got != tt.want {
			t.Errorf("Petname(%s) = %q, want %q", tt.did, got, tt.want)
		}
	}
}

func TestPetname_Format(t *testing.T) {
	adj, noun, ok := strings.Cut(Petname(testDID), "-")
	if !ok || adj == "" || noun == "" {
		t.Fatalf("expected adjective-noun, got %q", Petname(testDID))
	}
}

func TestLabel(t *testing.T) {
	got := Label(testDID)
	if !strings.HasPrefix(got, "rare-frost (") || !strings.HasSuffix(got, "jqSJgvVd)") {
		t.Errorf("Label = %q", got)
	}
}
