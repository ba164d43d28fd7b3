package api

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/Tyrowin/roomchat/internal/auth"
	"github.com/Tyrowin/roomchat/internal/store"
)

type createRoomRequest struct {
	Name string `json:"name" binding:"required,max=100"`
}

type roomView struct {
	store.RoomSummary
	OnlineCount int `json:"onlineCount"`
}

func roomIDParam(c *gin.Context) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil || id == 0 {
		errorResponse(c, http.StatusBadRequest, "Invalid room id")
		return 0, false
	}
	return uint(id), true
}

func (a *API) listRooms(c *gin.Context) {
	rooms, err := a.rooms.List(c.Request.Context())
	if err != nil {
		handleServiceError(c, err)
		return
	}

	views := make([]roomView, 0, len(rooms))
	for _, room := range rooms {
		views = append(views, roomView{RoomSummary: room, OnlineCount: a.presence.OnlineCount(room.ID)})
	}
	c.JSON(http.StatusOK, views)
}

func (a *API) createRoom(c *gin.Context) {
	var req createRoomRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, "Invalid input: name is required")
		return
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		errorResponse(c, http.StatusBadRequest, "Invalid input: name is required")
		return
	}

	username := auth.Username(c)
	room, err := a.rooms.Create(c.Request.Context(), name, username)
	if err != nil {
		handleServiceError(c, err)
		return
	}

	logrus.WithFields(logrus.Fields{"room_id": room.ID, "username": username}).Info("Room created")
	c.JSON(http.StatusCreated, room)
}

func (a *API) joinRoom(c *gin.Context) {
	id, ok := roomIDParam(c)
	if !ok {
		return
	}

	if err := a.rooms.AddMember(c.Request.Context(), id, auth.Username(c)); err != nil {
		handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Joined room", "roomId": id})
}

// leaveRoom drops the persisted membership. Live sessions in the room are
// left alone; the next post from them fails the membership check.
func (a *API) leaveRoom(c *gin.Context) {
	id, ok := roomIDParam(c)
	if !ok {
		return
	}

	if err := a.rooms.RemoveMember(c.Request.Context(), id, auth.Username(c)); err != nil {
		handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Left room", "roomId": id})
}

func (a *API) deleteRoom(c *gin.Context) {
	id, ok := roomIDParam(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	username := auth.Username(c)

	room, err := a.rooms.Get(ctx, id)
	if err != nil {
		handleServiceError(c, err)
		return
	}
	if room.CreatedBy != username {
		handleServiceError(c, fmt.Errorf("delete room %d by %q: %w", id, username, errNotRoomCreator))
		return
	}

	if err := a.rooms.Delete(ctx, id); err != nil {
		handleServiceError(c, err)
		return
	}

	evicted := a.presence.EvictRoom(id)
	logrus.WithFields(logrus.Fields{"room_id": id, "username": username, "evicted": evicted}).Info("Room deleted")
	c.Status(http.StatusNoContent)
}
