package domains

import (
	"context"
	"testing"
)

func TestProvisionIsIdempotent(t *testing.T) {
	p := New("launchpad.local", "https", nil)
	first, err := p.Provision(context.Background(), "My Shop", "3F2504E0-4F89-11D3-9A0C-0305E82C3301")
	if err != nil {
		t.Fatalf("provision: %v", err)
	}
	if first.Hostname != "3f2504e0-4f8.launchpad.local" {
		t.Fatalf("unexpected hostname %q", first.Hostname)
	}
	if first.URL != "https://3f2504e0-4f8.launchpad.local" || first.ProjectHostname != "my-shop.launchpad.local" {
		t.Fatalf("unexpected domain %+v", first)
	}
	second, _ := p.Provision(context.Background(), "My Shop", "3F2504E0-4F89-11D3-9A0C-0305E82C3301")
	if second != first {
		t.Fatalf("expected identical domain on retry, got %+v", second)
	}
}

func TestProvisionRejectsEmptyDeployment(t *testing.T) {
	p := New("", "", nil)
	if _, err := p.Provision(context.Background(), "proj", " "); err == nil {
		t.Fatalf("expected error")
	}
	if p.Suffix() != ".localhost" {
		t.Fatalf("expected default suffix, got %q", p.Suffix())
	}
}

func TestLabel(t *testing.T) {
	cases := map[string]string{
		"Hello World":  "hello-world",
		"--a__b--":     "a-b",
		"UPPER.case-1": "upper-case-1",
		"":             "",
	}
	for in, want := range cases {
		if got := Label(in); got != want {
			t.Fatalf("Label(%q) = %q, want %q", in, got, want)
		}
	}
}
