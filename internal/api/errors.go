package api

import (
	"errors"
	"net/http"

	"github.com/annel0/spatial-core/internal/apperr"
	"github.com/annel0/spatial-core/internal/coordinator"
)

// statusFor отображает вид ошибки на HTTP-статус
func statusFor(err error) (int, string) {
	if errors.Is(err, coordinator.ErrStopped) {
		return http.StatusServiceUnavailable, "Stopped"
	}

	kind := apperr.KindOf(err)
	switch kind {
	case apperr.NotFound:
		return http.StatusNotFound, kind.String()
	case apperr.OutOfBounds, apperr.NotALeaf:
		return http.StatusUnprocessableEntity, kind.String()
	case apperr.LockTimeout:
		return http.StatusServiceUnavailable, kind.String()
	case apperr.StorageFailure:
		return http.StatusBadGateway, kind.String()
	default:
		return http.StatusInternalServerError, kind.String()
	}
}
