package httpx

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/splax/launchpad/internal/framework"
	"github.com/splax/launchpad/internal/repository"
	"github.com/splax/launchpad/internal/service/build"
	"github.com/splax/launchpad/internal/service/orchestrator"
)

// writeJSON writes JSON response with status code.
func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError sends an error message.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// statusFor maps service errors onto HTTP status codes.
func statusFor(err error) int {
	var (
		unsupported *framework.UnsupportedFrameworkError
		invalid     *framework.ValidationError
		buildErr    *build.BuildError
		deployErr   *orchestrator.DeployError
	)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, repository.ErrConflict), errors.Is(err, orchestrator.ErrNoRollbackTarget):
		return http.StatusConflict
	case errors.Is(err, orchestrator.ErrRollbackUnavailable):
		return http.StatusGone
	case errors.Is(err, orchestrator.ErrInvalidArchive):
		return http.StatusBadRequest
	case errors.Is(err, orchestrator.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.As(err, &unsupported), errors.As(err, &invalid), errors.As(err, &buildErr):
		return http.StatusUnprocessableEntity
	case errors.As(err, &deployErr):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeServiceError(w http.ResponseWriter, err error) {
	writeError(w, statusFor(err), err.Error())
}
