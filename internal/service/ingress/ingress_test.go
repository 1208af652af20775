package ingress

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/splax/launchpad/internal/docker"
	"github.com/splax/launchpad/internal/domain"
)

type fakeReloader struct {
	calls int
	err   error
}

func (f *fakeReloader) Reload(context.Context) error {
	f.calls++
	return f.err
}

func testLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestRouteInMemory(t *testing.T) {
	edge := New(nil, Config{DomainSuffix: ".test"}, testLogger())
	ctx := context.Background()

	backends := []domain.Backend{
		{DeploymentID: "blue", Address: "10.0.0.1:3000", Weight: 75},
		{DeploymentID: "green", Address: "10.0.0.2:3000", Weight: 25},
	}
	if err := edge.Route(ctx, "proj", backends); err != nil {
		t.Fatalf("route: %v", err)
	}
	got := edge.Current("proj")
	if len(got) != 2 || got[1].Weight != 25 {
		t.Fatalf("unexpected backends %+v", got)
	}

	bad := []domain.Backend{{DeploymentID: "green", Address: "10.0.0.2:3000", Weight: 60}}
	if err := edge.Route(ctx, "proj", bad); err == nil {
		t.Fatalf("expected weights not adding to 100 rejected")
	}
	if got := edge.Current("proj"); len(got) != 2 {
		t.Fatalf("expected previous assignment kept, got %+v", got)
	}
	if err := edge.Route(ctx, "proj", nil); err != nil {
		t.Fatalf("expected empty routing accepted: %v", err)
	}
}

func TestNginxSiteRendering(t *testing.T) {
	dir := t.TempDir()
	reloader := &fakeReloader{}
	writer, err := NewNginxWriter(dir, reloader)
	if err != nil {
		t.Fatalf("writer: %v", err)
	}
	edge := New(writer, Config{DomainSuffix: "launchpad.test", CacheDir: "/cache"}, testLogger())
	ctx := context.Background()

	if err := edge.ApplyRules(ctx, "shop", []domain.WAFRule{
		{Name: "block-env", PathPattern: "/.env", Action: domain.WAFDeny},
		{Name: "webhooks", PathPattern: "/api/webhooks", Action: domain.WAFAllow},
	}, domain.RateLimit{RequestsPerSecond: 10, Burst: 20}); err != nil {
		t.Fatalf("waf: %v", err)
	}
	if err := edge.Configure(ctx, "shop", []domain.CacheRule{
		{PathPattern: "/_next/static/", TTL: 365 * 24 * time.Hour},
		{PathPattern: "/", TTL: 0},
	}); err != nil {
		t.Fatalf("cdn: %v", err)
	}
	if err := edge.Route(ctx, "shop", []domain.Backend{
		{DeploymentID: "old-deployment", Address: "10.0.0.1:3000", Weight: 0},
		{DeploymentID: "new-deployment", Address: "10.0.0.2:3000", Weight: 100},
	}); err != nil {
		t.Fatalf("route: %v", err)
	}
	if reloader.calls != 3 {
		t.Fatalf("expected a reload per change, got %d", reloader.calls)
	}

	content, err := os.ReadFile(writer.Path("shop"))
	if err != nil {
		t.Fatalf("read site: %v", err)
	}
	site := string(content)
	for _, want := range []string{
		"server_name shop.launchpad.test;",
		"upstream lp_shop {",
		"server 10.0.0.2:3000 weight=100;",
		"limit_req_zone $binary_remote_addr zone=lp_rl_shop:10m rate=10r/s;",
		"location ^~ /.env {",
		"proxy_cache_valid 200 301 302 31536000s;",
		"add_header Cache-Control \"no-store\";",
		"location /api/webhooks {",
		"server_name old-deployme.launchpad.test;",
		"proxy_pass http://10.0.0.1:3000;",
	} {
		if !strings.Contains(site, want) {
			t.Fatalf("expected site to contain %q\n%s", want, site)
		}
	}
	if strings.Contains(site, "weight=0") {
		t.Fatalf("zero weight backends must not be in the upstream\n%s", site)
	}
	if strings.Index(site, "location /_next/static/") > strings.Index(site, "location / {") {
		t.Fatalf("expected cache rules kept in order\n%s", site)
	}
}

func TestNginxWriterRestoresOnReloadFailure(t *testing.T) {
	dir := t.TempDir()
	reloader := &fakeReloader{}
	writer, _ := NewNginxWriter(dir, reloader)
	edge := New(writer, Config{}, testLogger())
	ctx := context.Background()

	first := []domain.Backend{{DeploymentID: "a", Address: "10.0.0.1:3000", Weight: 100}}
	if err := edge.Route(ctx, "proj", first); err != nil {
		t.Fatalf("route: %v", err)
	}
	before, _ := os.ReadFile(writer.Path("proj"))

	reloader.err = errors.New("nginx: [emerg] invalid")
	second := []domain.Backend{{DeploymentID: "b", Address: "10.0.0.2:3000", Weight: 100}}
	if err := edge.Route(ctx, "proj", second); err == nil {
		t.Fatalf("expected reload failure surfaced")
	}
	after, _ := os.ReadFile(writer.Path("proj"))
	if string(before) != string(after) {
		t.Fatalf("expected previous site restored")
	}
	if got := edge.Current("proj"); len(got) != 1 || got[0].DeploymentID != "a" {
		t.Fatalf("expected routing state unchanged, got %+v", got)
	}
}

func TestNoBackendsServes503(t *testing.T) {
	edge := New(nil, Config{}, testLogger())
	content, err := edge.Render("proj")
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if !strings.Contains(string(content), "return 503;") || strings.Contains(string(content), "upstream") {
		t.Fatalf("expected placeholder site\n%s", content)
	}
}

type fakeSignaler struct {
	container, signal string
	err               error
}

func (f *fakeSignaler) Kill(_ context.Context, container, signal string) error {
	f.container, f.signal = container, signal
	return f.err
}

func TestDockerReloader(t *testing.T) {
	sig := &fakeSignaler{}
	reloader, err := NewDockerReloader(sig, "edge-nginx")
	if err != nil {
		t.Fatalf("reloader: %v", err)
	}
	if err := reloader.Reload(context.Background()); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if sig.container != "edge-nginx" || sig.signal != "HUP" {
		t.Fatalf("unexpected signal %+v", sig)
	}
	sig.err = docker.ErrNotFound
	if err := reloader.Reload(context.Background()); err == nil || !strings.Contains(err.Error(), "not found") {
		t.Fatalf("expected not found error, got %v", err)
	}
	if _, err := NewDockerReloader(sig, " "); err == nil {
		t.Fatalf("expected empty container rejected")
	}
}
