package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	pkgerrors "vecagent/pkg/errors"
)

var statusTable = []struct {
	err    error
	status int
}{
	{pkgerrors.ErrInvalidUUID, http.StatusBadRequest},
	{pkgerrors.ErrInvalidDimensionSize, http.StatusBadRequest},
	{pkgerrors.ErrIncompatibleDimensionSize, http.StatusBadRequest},
	{pkgerrors.ErrMisMatchKeysAndValues, http.StatusBadRequest},
	{pkgerrors.ErrUUIDAlreadyExists, http.StatusConflict},
	{pkgerrors.ErrCreateIndexingIsInProgress, http.StatusConflict},
	{pkgerrors.ErrSavingIsInProgress, http.StatusConflict},
	{pkgerrors.ErrFlushingIsInProgress, http.StatusConflict},
	{pkgerrors.ErrUncommittedIndexNotFound, http.StatusPreconditionFailed},
	{pkgerrors.ErrObjectIDNotFound, http.StatusNotFound},
	{pkgerrors.ErrUUIDNotFound, http.StatusNotFound},
	{pkgerrors.ErrNotFound, http.StatusNotFound},
	{pkgerrors.ErrIndexNotFound, http.StatusNotFound},
	{pkgerrors.ErrUnsupported, http.StatusNotImplemented},
	{pkgerrors.ErrAgentClosed, http.StatusServiceUnavailable},
	{context.DeadlineExceeded, http.StatusGatewayTimeout},
	{context.Canceled, http.StatusRequestTimeout},
}

// statusOf maps an agent error to an HTTP status. Bulk errors join several
// causes; the first one in table order wins.
func statusOf(err error) int {
	if err == nil {
		return http.StatusOK
	}
	for _, e := range statusTable {
		if errors.Is(err, e.err) {
			return e.status
		}
	}
	return http.StatusInternalServerError
}

func abortWithError(c *gin.Context, err error) {
	_ = c.Error(err)
	c.AbortWithStatusJSON(statusOf(err), ErrorResponse{Error: err.Error()})
}

func abortBadRequest(c *gin.Context, err error) {
	_ = c.Error(err)
	c.AbortWithStatusJSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
}
