package ingress

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"text/template"
	"time"

	"github.com/splax/launchpad/internal/domain"
)

var siteTemplate = template.Must(template.New("site").Parse(`# managed by launchpad: project {{.ProjectID}}
{{- if .RateLimit}}
limit_req_zone $binary_remote_addr zone=lp_rl_{{.Zone}}:10m rate={{.RateLimit.RequestsPerSecond}}r/s;
{{- end}}
{{- if .Cached}}
proxy_cache_path {{.CacheDir}}/{{.Zone}} levels=1:2 keys_zone=lp_cache_{{.Zone}}:10m max_size=1g inactive=60m use_temp_path=off;
{{- end}}
{{- if .Weighted}}

upstream lp_{{.Zone}} {
{{- range .Weighted}}
    server {{.Address}} weight={{.Weight}};
{{- end}}
}
{{- end}}

server {
    listen 80;
    server_name {{.Host}};
{{- range .Deny}}

    location ^~ {{.PathPattern}} {
        return 403;
    }
{{- end}}
{{- range .Locations}}

    location {{.Path}} {
{{- if $.RateLimit}}{{if not .Exempt}}
        limit_req zone=lp_rl_{{$.Zone}} burst={{$.RateLimit.Burst}} nodelay;
{{- end}}{{end}}
{{- if $.Weighted}}
        proxy_pass http://lp_{{$.Zone}};
        proxy_http_version 1.1;
        proxy_set_header Host $host;
        proxy_set_header X-Real-IP $remote_addr;
        proxy_set_header X-Forwarded-For $proxy_add_x_forwarded_for;
        proxy_set_header Upgrade $http_upgrade;
        proxy_set_header Connection "upgrade";
{{- if .TTLSeconds}}
        proxy_cache lp_cache_{{$.Zone}};
        proxy_cache_valid 200 301 302 {{.TTLSeconds}}s;
        expires {{.TTLSeconds}}s;
{{- else}}
        proxy_no_cache 1;
        proxy_cache_bypass 1;
        add_header Cache-Control "no-store";
{{- end}}
{{- else}}
        return 503;
{{- end}}
    }
{{- end}}
}
{{- range .Previews}}

server {
    listen 80;
    server_name {{.Host}};

    location / {
        proxy_pass http://{{.Address}};
        proxy_http_version 1.1;
        proxy_set_header Host $host;
        proxy_set_header X-Forwarded-For $proxy_add_x_forwarded_for;
    }
}
{{- end}}
`))

type location struct {
	Path       string
	TTLSeconds int64
	Exempt     bool
}

type preview struct {
	Host    string
	Address string
}

type siteView struct {
	ProjectID string
	Zone      string
	Host      string
	CacheDir  string
	RateLimit *domain.RateLimit
	Weighted  []domain.Backend
	Deny      []domain.WAFRule
	Locations []location
	Previews  []preview
	Cached    bool
}

// render produces the nginx site file of one project.
func render(projectID, host, cacheDir string, s site, previewHost func(string) string) ([]byte, error) {
	view := siteView{
		ProjectID: projectID,
		Zone:      zoneName(projectID),
		Host:      host,
		CacheDir:  cacheDir,
	}
	if s.rateLimit != nil && s.rateLimit.RequestsPerSecond > 0 {
		limit := *s.rateLimit
		if limit.Burst <= 0 {
			limit.Burst = limit.RequestsPerSecond
		}
		view.RateLimit = &limit
	}
	for _, b := range s.backends {
		if b.Weight > 0 {
			view.Weighted = append(view.Weighted, b)
		}
		if previewHost != nil && b.Address != "" {
			if h := previewHost(b.DeploymentID); h != "" {
				view.Previews = append(view.Previews, preview{Host: h, Address: b.Address})
			}
		}
	}

	seen := map[string]bool{}
	exempt := map[string]bool{}
	for _, rule := range s.waf {
		switch rule.Action {
		case domain.WAFDeny:
			if !seen[rule.PathPattern] {
				view.Deny = append(view.Deny, rule)
				seen[rule.PathPattern] = true
			}
		case domain.WAFAllow:
			exempt[rule.PathPattern] = true
		}
	}
	for _, rule := range s.cache {
		if seen[rule.PathPattern] {
			continue
		}
		seen[rule.PathPattern] = true
		loc := location{Path: rule.PathPattern, TTLSeconds: int64(rule.TTL / time.Second), Exempt: exempt[rule.PathPattern]}
		if loc.TTLSeconds > 0 {
			view.Cached = true
		}
		view.Locations = append(view.Locations, loc)
	}
	exemptPaths := make([]string, 0, len(exempt))
	for path := range exempt {
		exemptPaths = append(exemptPaths, path)
	}
	sort.Strings(exemptPaths)
	for _, path := range exemptPaths {
		if !seen[path] {
			seen[path] = true
			view.Locations = append(view.Locations, location{Path: path, Exempt: true})
		}
	}
	if !seen["/"] {
		view.Locations = append(view.Locations, location{Path: "/"})
	}
	view.Cached = view.Cached && len(view.Weighted) > 0

	var buf bytes.Buffer
	if err := siteTemplate.Execute(&buf, view); err != nil {
		return nil, fmt.Errorf("render nginx site: %w", err)
	}
	return buf.Bytes(), nil
}

func zoneName(projectID string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(projectID) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}

// SiteWriter persists a rendered site and makes the proxy load it.
type SiteWriter interface {
	Write(ctx context.Context, projectID string, content []byte) error
	Remove(ctx context.Context, projectID string) error
}

// NginxWriter writes one conf file per project into an nginx include directory.
type NginxWriter struct {
	dir      string
	reloader Reloader
}

// NewNginxWriter constructs a writer for dir. reloader may be nil when nginx
// watches the directory itself.
func NewNginxWriter(dir string, reloader Reloader) (*NginxWriter, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("nginx config directory required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create nginx config dir: %w", err)
	}
	return &NginxWriter{dir: dir, reloader: reloader}, nil
}

// Path returns the site file of a project.
func (w *NginxWriter) Path(projectID string) string {
	return filepath.Join(w.dir, "launchpad-"+zoneName(projectID)+".conf")
}

// Write atomically replaces the site file and reloads nginx. When the reload
// fails the previous file is restored.
func (w *NginxWriter) Write(ctx context.Context, projectID string, content []byte) error {
	path := w.Path(projectID)
	previous, err := os.ReadFile(path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("read current site: %w", err)
	}
	hadPrevious := err == nil
	if err := writeAtomic(path, content); err != nil {
		return err
	}
	if err := w.reload(ctx); err != nil {
		if hadPrevious {
			_ = writeAtomic(path, previous)
		} else {
			_ = os.Remove(path)
		}
		_ = w.reload(context.WithoutCancel(ctx))
		return fmt.Errorf("reload nginx: %w", err)
	}
	return nil
}

// Remove deletes the site file and reloads nginx.
func (w *NginxWriter) Remove(ctx context.Context, projectID string) error {
	if err := os.Remove(w.Path(projectID)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove site: %w", err)
	}
	return w.reload(ctx)
}

func (w *NginxWriter) reload(ctx context.Context) error {
	if w.reloader == nil {
		return nil
	}
	return w.reloader.Reload(ctx)
}

func writeAtomic(path string, content []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".launchpad-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp site: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp site: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp site: %w", err)
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return fmt.Errorf("chmod temp site: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("install site: %w", err)
	}
	return nil
}
