package stream

import (
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"github.com/amelbenhazem/task-ws-api/domain"
)

const defaultHeartbeat = 25 * time.Second

// Authenticator decodes the caller identity from an Authorization header.
type Authenticator interface {
	IdentityFromAuthHeader(string) (domain.Identity, error)
}

type readyFrame struct {
	Session string `json:"session"`
	User    string `json:"user"`
}

// Handler serves the authenticated event channel over Server-Sent Events.
type Handler struct {
	hub       *Hub
	auth      Authenticator
	heartbeat time.Duration
	logger    *log.Logger
}

// NewHandler creates the channel handler. A non-positive heartbeat uses the
// default interval and a nil logger the logrus standard logger.
func NewHandler(hub *Hub, auth Authenticator, heartbeat time.Duration, logger *log.Logger) *Handler {
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeat
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Handler{hub: hub, auth: auth, heartbeat: heartbeat, logger: logger}
}

// Register wires the stream endpoint on the given Echo instance.
func (h *Handler) Register(e *echo.Echo) {
	e.GET("/api/stream", h.Serve)
}

// Serve validates the handshake token, then forwards events until the client
// goes away or the hub drops the session.
func (h *Handler) Serve(c echo.Context) error {
	authHeader := c.Request().Header.Get(echo.HeaderAuthorization)
	if token := c.QueryParam("token"); authHeader == "" && token != "" {
		authHeader = "Bearer " + token
	}
	user, err := h.auth.IdentityFromAuthHeader(authHeader)
	if err != nil {
		h.logger.WithError(err).WithField("remote", c.RealIP()).Warn("stream handshake rejected")
		return c.JSON(http.StatusUnauthorized, domain.ErrorBody{Error: string(domain.KindAuthentication), Message: "authentication error"})
	}
	flusher, ok := c.Response().Writer.(http.Flusher)
	if !ok {
		return c.JSON(http.StatusInternalServerError, domain.ErrorBody{Error: string(domain.KindServer), Message: "stream unsupported"})
	}

	sess, err := h.hub.Open(user)
	if err != nil {
		return c.JSON(http.StatusServiceUnavailable, domain.ErrorBody{Error: string(domain.KindServer), Message: err.Error()})
	}
	defer h.hub.Close(sess)

	res := c.Response()
	res.Header().Set(echo.HeaderContentType, "text/event-stream")
	res.Header().Set(echo.HeaderCacheControl, "no-cache")
	res.Header().Set(echo.HeaderConnection, "keep-alive")
	res.Header().Set("X-Accel-Buffering", "no")
	res.WriteHeader(http.StatusOK)

	ready, err := sonic.Marshal(readyFrame{Session: sess.ID, User: user.ID})
	if err != nil {
		return err
	}
	if err := writeChunks(res, []byte("event: ready\ndata: "), ready, []byte("\n\n")); err != nil {
		return nil
	}
	flusher.Flush()

	ctx := c.Request().Context()
	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-sess.Done():
			return nil
		case frame := <-sess.Frames():
			if _, err := res.Write(frame); err != nil {
				h.logger.WithError(err).WithField("session", sess.ID).Debug("stream write failed")
				return nil
			}
			flusher.Flush()
		case <-ticker.C:
			if _, err := res.Write([]byte(": ping\n\n")); err != nil {
				return nil
			}
			flusher.Flush()
		}
	}
}

func writeChunks(res *echo.Response, chunks ...[]byte) error {
	for _, chunk := range chunks {
		if _, err := res.Write(chunk); err != nil {
			return err
		}
	}
	return nil
}
