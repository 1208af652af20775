package framework

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"

	"github.com/docker/docker/pkg/archive"
	"gopkg.in/yaml.v3"

	"github.com/splax/launchpad/internal/domain"
)

// ManifestFile is the optional per-project settings file at the archive root.
const ManifestFile = "launchpad.yaml"

const maxMetadataSize = 1 << 20

// UnsupportedFrameworkError is returned when no variant marker is present.
type UnsupportedFrameworkError struct {
	Requested string
}

func (e *UnsupportedFrameworkError) Error() string {
	if e.Requested != "" {
		return fmt.Sprintf("unsupported framework %q", e.Requested)
	}
	markers := make([]string, 0)
	for _, v := range order {
		markers = append(markers, table[v].Markers...)
	}
	return fmt.Sprintf("unsupported framework: none of %s found at archive root", strings.Join(markers, ", "))
}

// ValidationError lists structural problems with a detected project.
type ValidationError struct {
	Variant  Variant
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s project: %s", e.Variant, strings.Join(e.Problems, "; "))
}

// PackageManifest is the subset of package.json launchpad reads.
type PackageManifest struct {
	Name            string            `json:"name"`
	Dependencies    map[string]string `json:"dependencies"`
	DevDependencies map[string]string `json:"devDependencies"`
	PackageManager  string            `json:"packageManager"`
	Scripts         map[string]string `json:"scripts"`
	Engines         map[string]string `json:"engines"`
}

// HasDependency reports whether name is a runtime or dev dependency.
func (m *PackageManifest) HasDependency(name string) bool {
	if m == nil {
		return false
	}
	for dep := range m.Dependencies {
		if strings.EqualFold(dep, name) {
			return true
		}
	}
	for dep := range m.DevDependencies {
		if strings.EqualFold(dep, name) {
			return true
		}
	}
	return false
}

// Manifest is the parsed launchpad.yaml.
type Manifest struct {
	Framework string             `yaml:"framework"`
	Strategy  string             `yaml:"strategy"`
	Env       map[string]string  `yaml:"env"`
	CDN       []domain.CacheRule `yaml:"cdn"`
	WAF       []domain.WAFRule   `yaml:"waf"`
	RateLimit *domain.RateLimit  `yaml:"rate_limit"`
}

// Contents is a listing of a source archive plus the metadata files launchpad reads.
type Contents struct {
	files      map[string]struct{}
	dirs       map[string]struct{}
	Package    *PackageManifest
	PackageErr error
	Manifest   *Manifest
}

// Has reports whether the archive contains the file p.
func (c Contents) Has(p string) bool {
	_, ok := c.files[p]
	return ok
}

// HasDir reports whether the archive contains anything under dir.
func (c Contents) HasDir(dir string) bool {
	_, ok := c.dirs[strings.TrimSuffix(dir, "/")]
	return ok
}

// RootFiles lists the files at the archive root.
func (c Contents) RootFiles() []string {
	var out []string
	for name := range c.files {
		if !strings.Contains(name, "/") {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// Inspect lists a tar, tar.gz or zip archive without extracting it.
func Inspect(data []byte) (Contents, error) {
	c := Contents{files: map[string]struct{}{}, dirs: map[string]struct{}{}}
	var (
		pkg      []byte
		manifest []byte
	)
	visit := func(name string, isDir bool, open func() (io.Reader, error)) error {
		name = cleanEntry(name)
		if name == "" {
			return nil
		}
		if isDir {
			c.addDir(name)
			return nil
		}
		c.files[name] = struct{}{}
		c.addDir(path.Dir(name))
		if name != "package.json" && name != ManifestFile {
			return nil
		}
		r, err := open()
		if err != nil {
			return err
		}
		body, err := io.ReadAll(io.LimitReader(r, maxMetadataSize))
		if err != nil {
			return fmt.Errorf("read %s: %w", name, err)
		}
		if name == "package.json" {
			pkg = body
		} else {
			manifest = body
		}
		return nil
	}

	var err error
	if len(data) >= 4 && bytes.Equal(data[:4], []byte("PK\x03\x04")) {
		err = walkZip(data, visit)
	} else {
		err = walkTar(data, visit)
	}
	if err != nil {
		return Contents{}, fmt.Errorf("inspect archive: %w", err)
	}
	if len(c.files) == 0 {
		return Contents{}, errors.New("inspect archive: archive contains no files")
	}

	if pkg != nil {
		var parsed PackageManifest
		if err := json.Unmarshal(pkg, &parsed); err != nil {
			c.PackageErr = fmt.Errorf("parse package.json: %w", err)
		} else {
			c.Package = &parsed
		}
	}
	if manifest != nil {
		var parsed Manifest
		if err := yaml.Unmarshal(manifest, &parsed); err != nil {
			return Contents{}, fmt.Errorf("parse %s: %w", ManifestFile, err)
		}
		c.Manifest = &parsed
	}
	return c, nil
}

func (c Contents) addDir(dir string) {
	for dir != "." && dir != "" && dir != "/" {
		c.dirs[dir] = struct{}{}
		dir = path.Dir(dir)
	}
}

func cleanEntry(name string) string {
	name = strings.TrimPrefix(path.Clean("/"+strings.ReplaceAll(name, "\\", "/")), "/")
	if name == "." {
		return ""
	}
	return name
}

func walkTar(data []byte, visit func(string, bool, func() (io.Reader, error)) error) error {
	stream, err := archive.DecompressStream(bytes.NewReader(data))
	if err != nil {
		return err
	}
	defer stream.Close()
	tr := tar.NewReader(stream)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		switch hdr.Typeflag {
		case tar.TypeDir:
			err = visit(hdr.Name, true, nil)
		case tar.TypeReg:
			err = visit(hdr.Name, false, func() (io.Reader, error) { return tr, nil })
		default:
			continue
		}
		if err != nil {
			return err
		}
	}
}

func walkZip(data []byte, visit func(string, bool, func() (io.Reader, error)) error) error {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return err
	}
	for _, f := range zr.File {
		var rc io.ReadCloser
		err := visit(f.Name, f.FileInfo().IsDir(), func() (io.Reader, error) {
			var err error
			rc, err = f.Open()
			return rc, err
		})
		if rc != nil {
			rc.Close()
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// Detect picks the framework variant from root-level marker files. An
// explicit framework in launchpad.yaml wins over markers.
func Detect(c Contents) (Spec, error) {
	if c.Manifest != nil && strings.TrimSpace(c.Manifest.Framework) != "" {
		spec, ok := Lookup(strings.ToLower(strings.TrimSpace(c.Manifest.Framework)))
		if !ok {
			return Spec{}, &UnsupportedFrameworkError{Requested: c.Manifest.Framework}
		}
		return spec, nil
	}
	for _, v := range order {
		spec := table[v]
		for _, marker := range spec.Markers {
			if c.Has(marker) {
				return spec, nil
			}
		}
	}
	return Spec{}, &UnsupportedFrameworkError{}
}

// Validate checks the structural requirements of the detected variant.
func Validate(spec Spec, c Contents) error {
	var problems []string
	switch {
	case c.PackageErr != nil:
		problems = append(problems, c.PackageErr.Error())
	case c.Package == nil:
		problems = append(problems, "package.json not found at archive root")
	default:
		if !c.Package.HasDependency(spec.Dependency) {
			problems = append(problems, fmt.Sprintf("dependency %q missing from package.json", spec.Dependency))
		}
		for _, dep := range spec.RequiredDeps {
			if !c.Package.HasDependency(dep) {
				problems = append(problems, fmt.Sprintf("dependency %q is required", dep))
			}
		}
		if strings.TrimSpace(c.Package.Scripts["build"]) == "" {
			problems = append(problems, `package.json has no "build" script`)
		}
	}

	hasRoutes := false
	for _, dir := range spec.RouteDirs {
		if c.HasDir(dir) {
			hasRoutes = true
			break
		}
	}
	if !hasRoutes {
		problems = append(problems, fmt.Sprintf("no route directory found (expected one of %s)", strings.Join(spec.RouteDirs, ", ")))
	}

	hasLiveness := false
	for _, route := range spec.LivenessRoutes {
		if c.Has(route) {
			hasLiveness = true
			break
		}
	}
	if !hasLiveness {
		problems = append(problems, fmt.Sprintf("liveness route %s not implemented (expected one of %s)", spec.LivenessPath, strings.Join(spec.LivenessRoutes, ", ")))
	}

	if len(problems) > 0 {
		return &ValidationError{Variant: spec.Variant, Problems: problems}
	}
	return nil
}
