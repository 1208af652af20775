package docker

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/pkg/stdcopy"
)

// ContainerLogs reads the tail of a container's output and feeds each line to onLine.
func (c *Client) ContainerLogs(ctx context.Context, id string, tail int, onLine func(stream, line string)) error {
	opts := container.LogsOptions{ShowStdout: true, ShowStderr: true}
	if tail > 0 {
		opts.Tail = fmt.Sprintf("%d", tail)
	}
	rc, err := c.inner.ContainerLogs(ctx, id, opts)
	if err != nil {
		return fmt.Errorf("container logs: %w", err)
	}
	defer rc.Close()

	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()
	done := make(chan struct{}, 2)
	scan := func(r io.Reader, stream string) {
		defer func() { done <- struct{}{} }()
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			if line := strings.TrimRight(scanner.Text(), "\r"); line != "" && onLine != nil {
				onLine(stream, line)
			}
		}
		_, _ = io.Copy(io.Discard, r)
	}
	go scan(stdoutR, "stdout")
	go scan(stderrR, "stderr")

	_, copyErr := stdcopy.StdCopy(stdoutW, stderrW, rc)
	stdoutW.Close()
	stderrW.Close()
	<-done
	<-done
	if copyErr != nil && ctx.Err() == nil {
		return fmt.Errorf("demux container logs: %w", copyErr)
	}
	return nil
}
