package server

import (
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/Tyrowin/roomchat/internal/api"
)

// SetupRoutes builds the gin engine serving the health check, the WebSocket
// endpoint, the test page and the REST API with its uploads.
func SetupRoutes(hub *Hub, restAPI *api.API, log *logrus.Logger) *gin.Engine {
	if log == nil {
		log = logrus.StandardLogger()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(api.AccessLog(log))

	router.GET("/", HealthHandler(hub))
	router.GET("/ws", WebSocketHandler(hub))
	router.GET("/test", TestPageHandler)
	restAPI.Register(router)

	return router
}
