package docker

import (
	"archive/tar"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/pkg/archive"
)

// GeneratedDockerfile is the name the injected image definition gets inside the build context.
const GeneratedDockerfile = "Dockerfile.launchpad"

// BuildOutputCallback is invoked with incremental build messages.
type BuildOutputCallback func(string)

// BuildSpec describes an image build.
type BuildSpec struct {
	Dir        string
	Dockerfile string
	Tag        string
	BuildArgs  map[string]*string
	Labels     map[string]string
}

// BuildImage creates a Docker image from spec.Dir using the provided Dockerfile
// contents and returns the resulting image id.
func (c *Client) BuildImage(ctx context.Context, spec BuildSpec, onOutput BuildOutputCallback) (string, error) {
	if c.inner == nil {
		return "", fmt.Errorf("docker client not initialized")
	}
	if spec.Dir == "" {
		return "", fmt.Errorf("build directory cannot be empty")
	}
	if spec.Tag == "" {
		return "", fmt.Errorf("image tag cannot be empty")
	}
	if strings.TrimSpace(spec.Dockerfile) == "" {
		return "", fmt.Errorf("dockerfile cannot be empty")
	}
	buildCtx, err := buildContext(spec.Dir, spec.Dockerfile)
	if err != nil {
		return "", err
	}
	defer buildCtx.Close()

	opts := types.ImageBuildOptions{
		Tags:        []string{spec.Tag},
		Dockerfile:  GeneratedDockerfile,
		Remove:      true,
		ForceRemove: true,
		PullParent:  false,
		BuildArgs:   spec.BuildArgs,
		Labels:      spec.Labels,
	}
	resp, err := c.inner.ImageBuild(ctx, buildCtx, opts)
	if err != nil {
		return "", fmt.Errorf("docker image build: %w", err)
	}
	defer resp.Body.Close()

	var imageID string
	decoder := json.NewDecoder(resp.Body)
	for {
		var msg imageBuildMessage
		if err := decoder.Decode(&msg); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return "", fmt.Errorf("decode build output: %w", err)
		}
		if errMsg := msg.errorMessage(); errMsg != "" {
			return "", fmt.Errorf("docker image build: %s", errMsg)
		}
		if id := msg.imageID(); id != "" {
			imageID = id
		}
		if line := msg.render(); line != "" && onOutput != nil {
			onOutput(line)
		}
	}
	if imageID == "" {
		imageID = spec.Tag
	}
	return imageID, nil
}

// RemoveImage deletes an image, ignoring images that are already gone.
func (c *Client) RemoveImage(ctx context.Context, ref string) error {
	if strings.TrimSpace(ref) == "" {
		return nil
	}
	_, err := c.inner.ImageRemove(ctx, ref, image.RemoveOptions{Force: true, PruneChildren: true})
	return ignoreNotFound("remove image", err)
}

// buildContext streams dir as a tar archive with the generated Dockerfile appended.
func buildContext(dir, dockerfile string) (io.ReadCloser, error) {
	src, err := archive.TarWithOptions(dir, &archive.TarOptions{
		ExcludePatterns: []string{".git", "node_modules", GeneratedDockerfile},
	})
	if err != nil {
		return nil, fmt.Errorf("create build context: %w", err)
	}
	pr, pw := io.Pipe()
	go func() {
		defer src.Close()
		tr := tar.NewReader(src)
		tw := tar.NewWriter(pw)
		for {
			hdr, err := tr.Next()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				pw.CloseWithError(fmt.Errorf("read build context: %w", err))
				return
			}
			if err := tw.WriteHeader(hdr); err != nil {
				pw.CloseWithError(err)
				return
			}
			if _, err := io.Copy(tw, tr); err != nil {
				pw.CloseWithError(err)
				return
			}
		}
		content := []byte(dockerfile)
		hdr := &tar.Header{
			Name:     GeneratedDockerfile,
			Mode:     0o644,
			Size:     int64(len(content)),
			ModTime:  time.Unix(0, 0),
			Typeflag: tar.TypeReg,
		}
		if err := tw.WriteHeader(hdr); err != nil {
			pw.CloseWithError(err)
			return
		}
		if _, err := tw.Write(content); err != nil {
			pw.CloseWithError(err)
			return
		}
		pw.CloseWithError(tw.Close())
	}()
	return pr, nil
}

type imageBuildMessage struct {
	Stream         string                 `json:"stream"`
	Status         string                 `json:"status"`
	ID             string                 `json:"id"`
	Progress       string                 `json:"progress"`
	ProgressDetail progressDetail         `json:"progressDetail"`
	Error          string                 `json:"error"`
	ErrorDetail    imageBuildErrorDetail  `json:"errorDetail"`
	Aux            map[string]interface{} `json:"aux"`
}

type progressDetail struct {
	Current int64 `json:"current"`
	Total   int64 `json:"total"`
}

type imageBuildErrorDetail struct {
	Message string `json:"message"`
}

func (m imageBuildMessage) errorMessage() string {
	if strings.TrimSpace(m.Error) != "" {
		return strings.TrimSpace(m.Error)
	}
	return strings.TrimSpace(m.ErrorDetail.Message)
}

func (m imageBuildMessage) imageID() string {
	if len(m.Aux) == 0 {
		return ""
	}
	if id, ok := m.Aux["ID"].(string); ok {
		return id
	}
	return ""
}

func (m imageBuildMessage) render() string {
	if m.Stream != "" {
		return strings.TrimRight(m.Stream, "\n")
	}
	if m.Status == "" {
		return ""
	}
	parts := make([]string, 0, 3)
	if id := strings.TrimSpace(m.ID); id != "" {
		parts = append(parts, id)
	}
	parts = append(parts, strings.TrimSpace(m.Status))
	progress := strings.TrimSpace(m.Progress)
	if progress == "" && m.ProgressDetail.Total > 0 {
		progress = fmt.Sprintf("%d/%d", m.ProgressDetail.Current, m.ProgressDetail.Total)
	}
	if progress != "" {
		parts = append(parts, progress)
	}
	return strings.Join(parts, " ")
}
