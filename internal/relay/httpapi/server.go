// Package httpapi assembles the relay's Echo application: the websocket
// endpoint plus a small REST surface for health checks and ops tooling.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/GabrielLascoskiFerraz/Lantern-Chat-sub000/internal/protocol"
	"github.com/GabrielLascoskiFerraz/Lantern-Chat-sub000/internal/relay/core"
	"github.com/GabrielLascoskiFerraz/Lantern-Chat-sub000/internal/relay/ws"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

// Server is the Echo application.
type Server struct {
	echo *echo.Echo
	hub  *core.Hub
}

// New constructs an Echo app with websocket + REST routes.
func New(hub *core.Hub) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	s := &Server{echo: e, hub: hub}
	s.registerRoutes()
	return s
}

// Echo exposes the underlying Echo instance for tests.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/api/state", s.handleState)
	ws.NewHandler(s.hub).Register(s.echo)
}

// Run starts Echo and blocks until ctx cancellation or startup failure.
func (s *Server) Run(ctx context.Context, addr string) error {
	errCh := make(chan error, 1)
	go func() {
		err := s.echo.Start(addr)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.echo.Shutdown(shutCtx)
		return nil
	}
}

type healthResponse struct {
	Status  string `json:"status"`
	Clients int    `json:"clients"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, healthResponse{
		Status:  "ok",
		Clients: s.hub.ClientCount(),
	})
}

type stateResponse struct {
	ServerName    string                 `json:"server_name"`
	Revision      uint64                 `json:"revision"`
	Clients       int                    `json:"clients"`
	Peers         []protocol.PeerProfile `json:"peers"`
	Announcements int                    `json:"announcements"`
}

func (s *Server) handleState(c echo.Context) error {
	snap := s.hub.PresenceSnapshot()
	if snap.Peers == nil {
		snap.Peers = []protocol.PeerProfile{}
	}
	return c.JSON(http.StatusOK, stateResponse{
		ServerName:    s.hub.ServerName(),
		Revision:      snap.Revision,
		Clients:       len(snap.Peers),
		Peers:         snap.Peers,
		Announcements: s.hub.AnnouncementCount(),
	})
}
