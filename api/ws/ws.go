// Package ws implements the /ws upgrade endpoint that hands a browser
// connection off to the session registry: query-param binding, an upgrader
// with a CheckOrigin hook, and logging around the upgrade, resolving a
// session purely from the sessionId query parameter.
package ws

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	apierrors "github.com/duskcall/voxgate/internal/errors"
	"github.com/duskcall/voxgate/internal/logger"
	"github.com/duskcall/voxgate/internal/session"
)

const (
	closeCodePolicyViolation = 1008
	readBufferSize           = 4096
	writeBufferSize          = 4096
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  readBufferSize,
	WriteBufferSize: writeBufferSize,
	CheckOrigin:     CheckOrigin,
}

type connectParams struct {
	SessionID string `form:"sessionId" binding:"required"`
}

// RegisterRoutes wires the upgrade endpoint onto router.
func RegisterRoutes(router gin.IRouter, registry *session.Registry) {
	router.GET("/ws", handleUpgrade(registry))
}

func handleUpgrade(registry *session.Registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		var params connectParams
		bindErr := c.ShouldBindQuery(&params)
		validID := bindErr == nil && apierrors.IsValidUUID(params.SessionID)

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			logger.ErrorErr(err, "failed to upgrade connection", "ip", c.ClientIP())
			return
		}

		if !validID {
			logger.Warn("rejecting websocket attach: missing or malformed sessionId", "ip", c.ClientIP())
			closeWithPolicyViolation(conn, "missing or invalid sessionId")
			return
		}

		if err := registry.Attach(c.Request.Context(), params.SessionID, conn, session.Config{}); err != nil {
			logger.Warn("rejecting websocket attach",
				"session_id", params.SessionID,
				"error", err,
			)
			closeWithPolicyViolation(conn, "attach rejected")
			return
		}

		logger.Info("websocket session attached",
			"session_id", params.SessionID,
			"ip", c.ClientIP(),
		)
	}
}

func closeWithPolicyViolation(conn *websocket.Conn, reason string) {
	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(closeCodePolicyViolation, reason),
		time.Now().Add(2*time.Second))
	conn.Close()
}
