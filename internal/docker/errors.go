package docker

import (
	"errors"
	"fmt"

	"github.com/docker/docker/client"
)

// ErrNotFound is wrapped into errors for containers, images and networks the
// daemon no longer knows about.
var ErrNotFound = errors.New("docker: resource not found")

// wrapNotFound converts daemon not-found errors into ErrNotFound and wraps
// anything else with op.
func wrapNotFound(kind, id, op string, err error) error {
	if client.IsErrNotFound(err) {
		return fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// ignoreNotFound treats a missing resource as already removed.
func ignoreNotFound(op string, err error) error {
	if err == nil || client.IsErrNotFound(err) {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}
