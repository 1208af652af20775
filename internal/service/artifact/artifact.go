// Package artifact keeps uploaded source archives so deployments can be
// rebuilt or inspected later. Every fetch is verified against the sha-256
// recorded at store time.
package artifact

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// ErrIntegrity is returned when fetched bytes do not match their reference.
var ErrIntegrity = errors.New("artifact integrity check failed")

// ErrNotFound is returned when no object exists for a reference.
var ErrNotFound = errors.New("artifact not found")

// Reference identifies a stored archive.
type Reference struct {
	Key    string
	SHA256 string
	Size   int64
}

// String encodes the reference for the deployment record.
func (r Reference) String() string {
	if r.Key == "" {
		return ""
	}
	return fmt.Sprintf("%s#sha256=%s;size=%d", r.Key, r.SHA256, r.Size)
}

// ParseReference decodes a reference produced by String.
func ParseReference(value string) (Reference, error) {
	key, rest, ok := strings.Cut(value, "#sha256=")
	if !ok || key == "" {
		return Reference{}, fmt.Errorf("malformed artifact reference %q", value)
	}
	sum, sizePart, ok := strings.Cut(rest, ";size=")
	if !ok || len(sum) != sha256.Size*2 {
		return Reference{}, fmt.Errorf("malformed artifact reference %q", value)
	}
	var size int64
	if _, err := fmt.Sscanf(sizePart, "%d", &size); err != nil {
		return Reference{}, fmt.Errorf("malformed artifact size in %q", value)
	}
	return Reference{Key: key, SHA256: sum, Size: size}, nil
}

// Store persists and returns archives.
type Store interface {
	Store(ctx context.Context, projectID string, data []byte) (Reference, error)
	Fetch(ctx context.Context, ref Reference) ([]byte, error)
	Healthy(ctx context.Context) error
}

func newReference(projectID string, data []byte) (Reference, error) {
	projectID = strings.TrimSpace(projectID)
	if projectID == "" || strings.ContainsAny(projectID, "/\\") {
		return Reference{}, fmt.Errorf("invalid project id %q", projectID)
	}
	if len(data) == 0 {
		return Reference{}, errors.New("artifact is empty")
	}
	sum := sha256.Sum256(data)
	digest := hex.EncodeToString(sum[:])
	return Reference{
		Key:    projectID + "/" + digest + ".archive",
		SHA256: digest,
		Size:   int64(len(data)),
	}, nil
}

func verify(ref Reference, data []byte) error {
	sum := sha256.Sum256(data)
	if int64(len(data)) != ref.Size || hex.EncodeToString(sum[:]) != ref.SHA256 {
		return fmt.Errorf("%s: %w", ref.Key, ErrIntegrity)
	}
	return nil
}
