package handlers

import (
	"errors"
	"net/http"

	"github.com/3leaps/stagehand/internal/server/middleware"
	"github.com/3leaps/stagehand/pkg/queue"
)

// HTTPErrorResponder writes err as an HTTP response.
type HTTPErrorResponder func(w http.ResponseWriter, r *http.Request, err error)

var httpErrorResponder HTTPErrorResponder = defaultErrorResponder

// SetHTTPErrorResponder replaces the responder. nil restores the default.
func SetHTTPErrorResponder(fn HTTPErrorResponder) {
	if fn == nil {
		fn = defaultErrorResponder
	}
	httpErrorResponder = fn
}

func ResetHTTPErrorResponder() {
	httpErrorResponder = defaultErrorResponder
}

func respondWithError(w http.ResponseWriter, r *http.Request, err error) {
	httpErrorResponder(w, r, err)
}

// defaultErrorResponder maps queue operation errors onto status codes.
func defaultErrorResponder(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, queue.ErrJobNotFound):
		middleware.WriteError(w, r, http.StatusNotFound, middleware.CodeNotFound, err.Error(), nil)
	case errors.Is(err, queue.ErrNotCancelable):
		middleware.WriteError(w, r, http.StatusConflict, middleware.CodeConflict, err.Error(), nil)
	case errors.Is(err, errBadRequest):
		middleware.WriteError(w, r, http.StatusBadRequest, middleware.CodeBadRequest, err.Error(), nil)
	default:
		middleware.WriteError(w, r, http.StatusInternalServerError, middleware.CodeInternal, err.Error(), nil)
	}
}
