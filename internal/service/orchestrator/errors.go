package orchestrator

import (
	"errors"
	"fmt"
)

// Stage names the orchestrator step a deployment failed in.
type Stage string

const (
	StageQueue     Stage = "queue"
	StageDetect    Stage = "detect"
	StageValidate  Stage = "validate"
	StageBuild     Stage = "build"
	StageContainer Stage = "container"
	StageDomain    Stage = "domain"
	StageEdge      Stage = "edge"
	StageVerify    Stage = "verify"
	StagePromote   Stage = "promote"
)

var (
	// ErrClosed is returned once Close has been called.
	ErrClosed = errors.New("orchestrator is shut down")
	// ErrNoRollbackTarget means the project has no previous deployment.
	ErrNoRollbackTarget = errors.New("no previous deployment to roll back to")
	// ErrRollbackUnavailable means the previous deployment was already torn down.
	ErrRollbackUnavailable = errors.New("previous deployment is no longer available")
	// ErrInvalidArchive means the upload could not be read as tar.gz or zip.
	ErrInvalidArchive = errors.New("unreadable archive")
)

// DeployError reports a failure after the build, once runtime resources
// may have existed.
type DeployError struct {
	Stage        Stage
	DeploymentID string
	Err          error
}

func (e *DeployError) Error() string {
	return fmt.Sprintf("deployment %s failed at %s: %v", e.DeploymentID, e.Stage, e.Err)
}

func (e *DeployError) Unwrap() error {
	return e.Err
}
