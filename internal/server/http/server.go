package httpserver

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/playfold/lobbyd/internal/auth/token"
	"github.com/playfold/lobbyd/internal/lobby"
)

// Server exposes the room creation endpoint and the websocket upgrade
// routing. Everything past the upgrade is owned by the lobby package.
type Server struct {
	reg     *lobby.Registry
	jwt     *token.Manager
	httpSrv *http.Server
}

func New(reg *lobby.Registry, jwt *token.Manager) *Server {
	return &Server{reg: reg, jwt: jwt}
}

type createRoomRequest struct {
	Name       string `json:"name" binding:"required"`
	MaxPlayers int    `json:"maxPlayers" binding:"required,gt=0"`
	IsPrivate  bool   `json:"isPrivate"`
	Gamemode   string `json:"gamemode" binding:"required"`
}

// Handler builds the gin engine. Split from Start so tests can drive it
// through httptest.
func (s *Server) Handler() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), corsMiddleware())

	r.POST("/rooms", s.handleCreateRoom)
	r.GET("/rooms/:room", s.handleUpgrade)
	return r
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context, addr string) error {
	s.httpSrv = &http.Server{Addr: addr, Handler: s.Handler()}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("http listening", "addr", addr)
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpSrv.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleCreateRoom(c *gin.Context) {
	ownerID, ok := s.auth(c.Request)
	if !ok {
		s.respondError(c, http.StatusUnauthorized, "You must be logged in to create a room.")
		return
	}
	var req createRoomRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.respondError(c, http.StatusBadRequest, "The request body contains malformed JSON.")
		return
	}
	id := s.reg.Create(req.Name, req.MaxPlayers, req.IsPrivate, req.Gamemode, ownerID)
	c.JSON(http.StatusCreated, gin.H{"newServerPath": id})
}

// handleUpgrade hands the raw request to the registry, which either admits
// the connection into a session or destroys it without a response.
func (s *Server) handleUpgrade(c *gin.Context) {
	s.reg.Route(c.Writer, c.Request, c.Param("room"))
}

// auth extracts and verifies the bearer token of a plain HTTP request.
func (s *Server) auth(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	if h == "" {
		return "", false
	}
	parts := strings.SplitN(h, " ", 2)
	if len(parts) != 2 {
		return "", false
	}
	uuid, err := s.jwt.VerifyMember(parts[1])
	if err != nil {
		return "", false
	}
	return uuid, true
}

func (s *Server) respondError(c *gin.Context, code int, msg string) {
	c.JSON(code, gin.H{"error": msg})
}

// corsMiddleware mirrors the permissive policy the lobby frontend expects.
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")
		c.Header("Access-Control-Allow-Credentials", "true")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
