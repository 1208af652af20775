// Package framework holds the closed table of supported project variants and
// everything launchpad derives from it: detection markers, build commands,
// the container image template and the health-check configuration.
package framework

import (
	"net/http"
	"slices"
	"time"

	"github.com/splax/launchpad/internal/domain"
)

// Variant identifies a supported framework.
type Variant string

const (
	NextJS    Variant = "nextjs"
	Nuxt      Variant = "nuxt"
	SvelteKit Variant = "sveltekit"
)

// DefaultPort is the HTTP port every variant listens on inside its container.
const DefaultPort = 3000

// HealthConfig drives endpoint probing for a variant.
type HealthConfig struct {
	Paths            []string
	Timeout          time.Duration
	Retries          int
	SuccessThreshold int
	AllowedStatus    []int
}

// Allowed reports whether code counts as a healthy response.
func (h HealthConfig) Allowed(code int) bool {
	return slices.Contains(h.AllowedStatus, code)
}

// ChunkSizes bounds the bundler's code splitting.
type ChunkSizes struct {
	MinSize int `json:"min_size"`
	MaxSize int `json:"max_size"`
}

// BuildConfig is written into the workspace before the build command runs.
type BuildConfig struct {
	Framework   Variant    `json:"framework"`
	Production  bool       `json:"production"`
	Minify      bool       `json:"minify"`
	SplitChunks ChunkSizes `json:"split_chunks"`
	DropConsole bool       `json:"drop_console"`
	OutputDir   string     `json:"output_dir"`
}

// Spec describes one framework variant.
type Spec struct {
	Variant        Variant
	Markers        []string
	Dependency     string
	RequiredDeps   []string
	OutputDir      string
	Port           int
	LivenessPath   string
	RouteDirs      []string
	LivenessRoutes []string
	StartCommand   []string
	RuntimeEnv     map[string]string
	Chunks         ChunkSizes
	Health         HealthConfig
	CacheRules     []domain.CacheRule
}

var defaultAllowedStatus = []int{http.StatusOK, http.StatusNoContent, http.StatusMovedPermanently, http.StatusFound, http.StatusNotModified}

const immutableTTL = 365 * 24 * time.Hour

// order is the detection precedence.
var order = []Variant{NextJS, Nuxt, SvelteKit}

var table = map[Variant]Spec{
	NextJS: {
		Variant:        NextJS,
		Markers:        []string{"next.config.js", "next.config.mjs", "next.config.ts"},
		Dependency:     "next",
		OutputDir:      ".next",
		Port:           DefaultPort,
		LivenessPath:   "/api/health",
		RouteDirs:      []string{"pages", "app", "src/pages", "src/app"},
		LivenessRoutes: []string{"pages/api/health.js", "pages/api/health.ts", "app/api/health/route.js", "app/api/health/route.ts", "src/pages/api/health.js", "src/pages/api/health.ts", "src/app/api/health/route.js", "src/app/api/health/route.ts"},
		StartCommand:   []string{"node_modules/.bin/next", "start", "-p", "3000"},
		RuntimeEnv:     map[string]string{"NEXT_TELEMETRY_DISABLED": "1"},
		Chunks:         ChunkSizes{MinSize: 20000, MaxSize: 244000},
		Health: HealthConfig{
			Paths:            []string{"/", "/api/health"},
			Timeout:          5 * time.Second,
			Retries:          3,
			SuccessThreshold: 2,
			AllowedStatus:    defaultAllowedStatus,
		},
		CacheRules: []domain.CacheRule{
			{PathPattern: "/_next/static/", TTL: immutableTTL},
			{PathPattern: "/_next/image", TTL: 24 * time.Hour},
			{PathPattern: "/", TTL: 0},
		},
	},
	Nuxt: {
		Variant:        Nuxt,
		Markers:        []string{"nuxt.config.ts", "nuxt.config.js"},
		Dependency:     "nuxt",
		OutputDir:      ".output",
		Port:           DefaultPort,
		LivenessPath:   "/api/health",
		RouteDirs:      []string{"pages", "app", "server"},
		LivenessRoutes: []string{"server/api/health.ts", "server/api/health.js", "server/api/health.get.ts", "server/api/health.get.js"},
		StartCommand:   []string{"node", ".output/server/index.mjs"},
		RuntimeEnv:     map[string]string{"NITRO_PORT": "3000", "NITRO_HOST": "0.0.0.0"},
		Chunks:         ChunkSizes{MinSize: 20000, MaxSize: 250000},
		Health: HealthConfig{
			Paths:            []string{"/", "/api/health"},
			Timeout:          5 * time.Second,
			Retries:          3,
			SuccessThreshold: 2,
			AllowedStatus:    defaultAllowedStatus,
		},
		CacheRules: []domain.CacheRule{
			{PathPattern: "/_nuxt/", TTL: immutableTTL},
			{PathPattern: "/", TTL: 0},
		},
	},
	SvelteKit: {
		Variant:        SvelteKit,
		Markers:        []string{"svelte.config.js", "svelte.config.ts"},
		Dependency:     "@sveltejs/kit",
		RequiredDeps:   []string{"@sveltejs/adapter-node"},
		OutputDir:      "build",
		Port:           DefaultPort,
		LivenessPath:   "/health",
		RouteDirs:      []string{"src/routes"},
		LivenessRoutes: []string{"src/routes/health/+server.ts", "src/routes/health/+server.js"},
		StartCommand:   []string{"node", "build"},
		RuntimeEnv:     map[string]string{"HOST": "0.0.0.0"},
		Chunks:         ChunkSizes{MinSize: 10000, MaxSize: 200000},
		Health: HealthConfig{
			Paths:            []string{"/", "/health"},
			Timeout:          5 * time.Second,
			Retries:          3,
			SuccessThreshold: 2,
			AllowedStatus:    defaultAllowedStatus,
		},
		CacheRules: []domain.CacheRule{
			{PathPattern: "/_app/immutable/", TTL: immutableTTL},
			{PathPattern: "/", TTL: 0},
		},
	},
}

// Lookup returns the spec for variant.
func Lookup(variant string) (Spec, bool) {
	spec, ok := table[Variant(variant)]
	return spec, ok
}

// Variants lists the supported variants in detection order.
func Variants() []Variant {
	return slices.Clone(order)
}

// BuildConfig returns the bundler settings for this variant.
func (s Spec) BuildConfig(production bool) BuildConfig {
	return BuildConfig{
		Framework:   s.Variant,
		Production:  production,
		Minify:      production,
		SplitChunks: s.Chunks,
		DropConsole: production,
		OutputDir:   s.OutputDir,
	}
}

// DefaultWAFRules returns the firewall rules applied when a project declares none.
func DefaultWAFRules() []domain.WAFRule {
	return []domain.WAFRule{
		{Name: "block-dotenv", PathPattern: "/.env", Action: domain.WAFDeny},
		{Name: "block-git", PathPattern: "/.git", Action: domain.WAFDeny},
	}
}

// DefaultRateLimit is applied when a project declares none.
func DefaultRateLimit() domain.RateLimit {
	return domain.RateLimit{RequestsPerSecond: 20, Burst: 40}
}
