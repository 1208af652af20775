package framework

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// PackageManager is the node package manager a project uses.
type PackageManager string

const (
	NPM  PackageManager = "npm"
	Yarn PackageManager = "yarn"
	PNPM PackageManager = "pnpm"
)

func (pm PackageManager) String() string {
	if pm == "" {
		return string(NPM)
	}
	return string(pm)
}

// InstallCommand returns the dependency install command for pm in dir.
func (pm PackageManager) InstallCommand(dir string) string {
	switch pm {
	case Yarn:
		return "yarn install --frozen-lockfile"
	case PNPM:
		return "pnpm install --frozen-lockfile"
	default:
		if fileExists(filepath.Join(dir, "package-lock.json")) || fileExists(filepath.Join(dir, "npm-shrinkwrap.json")) {
			return "npm ci"
		}
		return "npm install"
	}
}

// BuildCommand returns the command that runs the project's build script.
func (pm PackageManager) BuildCommand() string {
	switch pm {
	case Yarn:
		return "yarn build"
	case PNPM:
		return "pnpm run build"
	default:
		return "npm run build"
	}
}

// DetectPackageManager inspects package.json and lock files in dir.
func DetectPackageManager(dir string) PackageManager {
	if data, err := os.ReadFile(filepath.Join(dir, "package.json")); err == nil {
		var manifest PackageManifest
		if json.Unmarshal(data, &manifest) == nil {
			if parsed := parsePackageManager(manifest.PackageManager); parsed != "" {
				return parsed
			}
		}
	}
	switch {
	case fileExists(filepath.Join(dir, "yarn.lock")):
		return Yarn
	case fileExists(filepath.Join(dir, "pnpm-lock.yaml")):
		return PNPM
	default:
		return NPM
	}
}

func parsePackageManager(value string) PackageManager {
	trimmed := strings.ToLower(strings.TrimSpace(value))
	if idx := strings.Index(trimmed, "@"); idx > 0 {
		trimmed = trimmed[:idx]
	}
	switch trimmed {
	case "yarn":
		return Yarn
	case "pnpm":
		return PNPM
	case "npm":
		return NPM
	default:
		return ""
	}
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// ImageOptions parameterises the image template.
type ImageOptions struct {
	PackageManager PackageManager
	NodeVersion    string
	BuildCommand   string
	EnvKeys        []string
}

// Dockerfile renders the variant's multi-stage image: dependency install,
// build (skipped when the output already exists in the context) and a slim
// runtime stage. Environment keys are exposed as build arguments.
func (s Spec) Dockerfile(opts ImageOptions) string {
	node := strings.TrimSpace(opts.NodeVersion)
	if node == "" {
		node = "20"
	}
	buildCmd := strings.TrimSpace(opts.BuildCommand)
	if buildCmd == "" {
		buildCmd = opts.PackageManager.BuildCommand()
	}
	keys := append([]string(nil), opts.EnvKeys...)
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString("# syntax=docker/dockerfile:1\n")
	fmt.Fprintf(&b, "FROM node:%s-bullseye-slim AS deps\n", node)
	b.WriteString("WORKDIR /app\n")
	switch opts.PackageManager {
	case Yarn:
		b.WriteString("COPY package.json yarn.lock ./\n")
		b.WriteString("RUN corepack enable && yarn install --frozen-lockfile\n\n")
	case PNPM:
		b.WriteString("COPY package.json pnpm-lock.yaml ./\n")
		b.WriteString("RUN corepack enable && pnpm install --frozen-lockfile\n\n")
	default:
		b.WriteString("COPY package*.json ./\n")
		b.WriteString("RUN if [ -f package-lock.json ] || [ -f npm-shrinkwrap.json ]; then npm ci; else npm install; fi\n\n")
	}

	fmt.Fprintf(&b, "FROM node:%s-bullseye-slim AS build\n", node)
	b.WriteString("WORKDIR /app\n")
	for _, key := range keys {
		fmt.Fprintf(&b, "ARG %s\n", key)
	}
	b.WriteString("COPY --from=deps /app/node_modules ./node_modules\n")
	b.WriteString("COPY . ./\n")
	b.WriteString("ENV NODE_ENV=production\n")
	fmt.Fprintf(&b, "RUN if [ ! -d %s ]; then %s; fi\n", s.OutputDir, buildCmd)
	if s.Variant == NextJS {
		b.WriteString("RUN mkdir -p public\n")
	}
	b.WriteString("\n")

	fmt.Fprintf(&b, "FROM node:%s-bullseye-slim AS runtime\n", node)
	b.WriteString("WORKDIR /app\n")
	for _, key := range keys {
		fmt.Fprintf(&b, "ARG %s\n", key)
		fmt.Fprintf(&b, "ENV %s=$%s\n", key, key)
	}
	b.WriteString("ENV NODE_ENV=production\n")
	fmt.Fprintf(&b, "ENV PORT=%d\n", s.Port)
	runtimeKeys := make([]string, 0, len(s.RuntimeEnv))
	for key := range s.RuntimeEnv {
		runtimeKeys = append(runtimeKeys, key)
	}
	sort.Strings(runtimeKeys)
	for _, key := range runtimeKeys {
		fmt.Fprintf(&b, "ENV %s=%s\n", key, s.RuntimeEnv[key])
	}
	b.WriteString("COPY --from=build /app/package.json ./package.json\n")
	b.WriteString("COPY --from=build /app/node_modules ./node_modules\n")
	fmt.Fprintf(&b, "COPY --from=build /app/%s ./%s\n", s.OutputDir, s.OutputDir)
	if s.Variant == NextJS {
		b.WriteString("COPY --from=build /app/public ./public\n")
		b.WriteString("COPY --from=build /app/next.config.* ./\n")
	}
	fmt.Fprintf(&b, "EXPOSE %d\n", s.Port)
	b.WriteString("USER node\n")
	cmd, _ := json.Marshal(s.StartCommand)
	fmt.Fprintf(&b, "CMD %s\n", cmd)
	return b.String()
}

// ProbeCommand is the container-native health probe for the liveness path.
func (s Spec) ProbeCommand() []string {
	script := fmt.Sprintf("fetch('http://127.0.0.1:%d%s').then(r=>process.exit(r.ok?0:1)).catch(()=>process.exit(1))", s.Port, s.LivenessPath)
	return []string{"CMD", "node", "-e", script}
}
