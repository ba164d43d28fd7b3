package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/Tyrowin/roomchat/internal/auth"
	"github.com/Tyrowin/roomchat/internal/store"
)

var errNotRoomCreator = errors.New("only the room creator can delete it")

func errorResponse(c *gin.Context, code int, message string) {
	c.JSON(code, gin.H{"error": message})
}

// handleServiceError maps service and store errors to a status code. Anything
// unrecognised is logged and reported as a 500 without its cause.
func handleServiceError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, auth.ErrAuthenticationFailed):
		errorResponse(c, http.StatusUnauthorized, "Invalid username or password")
	case errors.Is(err, auth.ErrInvalidInput):
		errorResponse(c, http.StatusBadRequest, err.Error())
	case errors.Is(err, auth.ErrUsernameTaken):
		errorResponse(c, http.StatusConflict, err.Error())
	case errors.Is(err, store.ErrNotFound):
		errorResponse(c, http.StatusNotFound, "Room not found")
	case errors.Is(err, store.ErrDuplicate):
		errorResponse(c, http.StatusConflict, "Room name already exists")
	case errors.Is(err, errNotRoomCreator):
		errorResponse(c, http.StatusForbidden, err.Error())
	default:
		logrus.WithError(err).WithField("path", c.FullPath()).Error("Unhandled internal server error")
		errorResponse(c, http.StatusInternalServerError, "Internal server error")
	}
}
