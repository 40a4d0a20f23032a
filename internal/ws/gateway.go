// Package ws streams live judging status to viewers over WebSocket.
// A viewer connects with a bearer token, receives the latest cached
// snapshot, then every published update until the terminal verdict.
package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	authservice "github.com/openkoi/koi/internal/auth/service"
	"github.com/openkoi/koi/internal/judge/repository"
	subrepo "github.com/openkoi/koi/internal/submission/repository"
	"github.com/openkoi/koi/pkg/utils/logger"
	"github.com/openkoi/koi/pkg/utils/response"
)

const (
	// CloseInvalidToken is the application close code sent when the
	// viewer's token does not verify.
	CloseInvalidToken = 4001

	writeTimeout = 10 * time.Second
	pongWait     = 60 * time.Second
	pingInterval = 30 * time.Second
)

// Gateway upgrades authenticated viewers onto a submission's status feed.
type Gateway struct {
	verifier authservice.TokenVerifier
	status   repository.StatusChannel
	upgrader websocket.Upgrader
}

func NewGateway(verifier authservice.TokenVerifier, status repository.StatusChannel) *Gateway {
	return &Gateway{
		verifier: verifier,
		status:   status,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Auth rides in the token query parameter, not cookies, so
			// cross-origin upgrades carry no ambient credentials.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Watch handles GET /ws/submissions/:id?token=<jwt>.
//
// The token is verified before any messages flow, but the close code
// for a bad token is delivered over the upgraded connection so browser
// clients can read it.
func (g *Gateway) Watch(c *gin.Context) {
	submissionID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || submissionID <= 0 {
		response.BadRequest(c, "Invalid submission id")
		return
	}

	_, authErr := g.verifier.VerifyAccessToken(c.Query("token"))

	conn, err := g.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		return
	}
	defer conn.Close()

	if authErr != nil {
		g.closeWith(conn, CloseInvalidToken, "invalid token")
		return
	}

	g.stream(c.Request.Context(), conn, submissionID)
}

// stream subscribes, replays the snapshot, then forwards live updates
// until the terminal verdict or the client goes away.
//
// Subscribing before the snapshot read closes the window where a
// publish lands between the two: any update raced past the snapshot is
// already queued on the subscription and gets forwarded.
func (g *Gateway) stream(parent context.Context, conn *websocket.Conn, submissionID int64) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	sub, err := g.status.Subscribe(ctx, submissionID)
	if err != nil {
		logger.Warn(ctx, "subscribe status channel failed",
			zap.Int64("submission_id", submissionID), zap.Error(err))
		g.closeWith(conn, websocket.CloseInternalServerErr, "subscribe failed")
		return
	}
	defer sub.Close()

	snapshot, hasSnapshot, err := g.status.Snapshot(ctx, submissionID)
	if err != nil {
		logger.Warn(ctx, "read status snapshot failed",
			zap.Int64("submission_id", submissionID), zap.Error(err))
	}
	if hasSnapshot {
		if err := g.writeText(conn, snapshot); err != nil {
			return
		}
		if isTerminal(snapshot) {
			g.closeWith(conn, websocket.CloseNormalClosure, "")
			return
		}
	}

	// The read pump notices the client hanging up; viewers never send
	// application messages.
	go func() {
		defer cancel()
		conn.SetReadLimit(1024)
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-sub.Channel():
			if !ok {
				return
			}
			if err := g.writeText(conn, msg.Payload); err != nil {
				return
			}
			if isTerminal(msg.Payload) {
				g.closeWith(conn, websocket.CloseNormalClosure, "")
				return
			}
		case <-ticker.C:
			deadline := time.Now().Add(writeTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		}
	}
}

func (g *Gateway) writeText(conn *websocket.Conn, payload string) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteMessage(websocket.TextMessage, []byte(payload))
}

func (g *Gateway) closeWith(conn *websocket.Conn, code int, reason string) {
	deadline := time.Now().Add(writeTimeout)
	message := websocket.FormatCloseMessage(code, reason)
	if err := conn.WriteControl(websocket.CloseMessage, message, deadline); err != nil {
		return
	}
	// Give the client a moment to read the close frame before the
	// deferred Close tears the connection down.
	_ = conn.SetReadDeadline(time.Now().Add(time.Second))
	_, _, _ = conn.ReadMessage()
}

// isTerminal reports whether a published payload carries a final
// verdict. Progress payloads have a type tag instead of a status.
func isTerminal(payload string) bool {
	var envelope struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal([]byte(payload), &envelope); err != nil {
		return false
	}
	return subrepo.Status(envelope.Status).Terminal()
}
