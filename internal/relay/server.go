// Package relay implements the Presence/Broadcast relay server: a WebSocket
// hub for topics with presence, a demo session endpoint and ICE server
// discovery backed by an optional embedded TURN server.
package relay

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/1ureka/globalconnect/internal/auth"
	"github.com/1ureka/globalconnect/internal/config"
	"github.com/1ureka/globalconnect/internal/util"
)

const sessionContextKey = "session"

var httpLog = util.Scope("relay/http")

// ICEServer is one entry of the /api/ice response.
type ICEServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

// SessionResponse is returned by POST /api/session.
type SessionResponse struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Token string `json:"token"` // empty when the relay runs without auth
}

type sessionRequest struct {
	Email string `json:"email" binding:"required"`
}

// Server is the relay's HTTP front.
type Server struct {
	cfg      *config.RelayConfig
	hub      *Hub
	turn     *TURNServer
	engine   *gin.Engine
	upgrader websocket.Upgrader
}

// NewServer builds the router. turnServer may be nil.
func NewServer(cfg *config.RelayConfig, turnServer *TURNServer) *Server {
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{
		cfg:  cfg,
		hub:  NewHub(),
		turn: turnServer,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}

	r := gin.New()
	r.Use(gin.Recovery(), requestLogger())

	r.GET("/health", s.handleHealth)
	r.POST("/api/session", s.handleSession)
	r.GET("/api/ice", s.authenticate(), s.handleICE)
	r.GET("/ws", s.authenticate(), s.handleWS)

	s.engine = r
	return s
}

// Handler exposes the router, e.g. for httptest.
func (s *Server) Handler() http.Handler { return s.engine }

// Hub returns the server's topic hub.
func (s *Server) Hub() *Hub { return s.hub }

// Run serves on cfg.Addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("listening on %s", s.cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("relay server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// ---------------------------------------------------------------------------
// handlers
// ---------------------------------------------------------------------------

func (s *Server) handleHealth(c *gin.Context) {
	topics, members := s.hub.Stats()
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"topics":  topics,
		"members": members,
	})
}

// handleSession is a demo login: any well-formed email gets a session.
func (s *Server) handleSession(c *gin.Context) {
	var req sessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "email is required"})
		return
	}

	session, err := auth.NewSession(req.Email)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	resp := SessionResponse{ID: session.ID, Email: session.Email}
	if s.cfg.JWTSecret != "" {
		resp.Token, err = auth.IssueToken(s.cfg.JWTSecret, session, s.cfg.TokenTTL)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to issue token"})
			return
		}
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleICE(c *gin.Context) {
	servers := []ICEServer{}
	if len(s.cfg.STUNURLs) > 0 {
		servers = append(servers, ICEServer{URLs: s.cfg.STUNURLs})
	}

	if s.turn != nil {
		host := c.Request.Host
		if h, _, err := net.SplitHostPort(host); err == nil {
			host = h
		}
		username, password := s.turn.Credentials()
		servers = append(servers, ICEServer{
			URLs:       []string{fmt.Sprintf("turn:%s:%d", host, s.turn.Port())},
			Username:   username,
			Credential: password,
		})
	}

	c.JSON(http.StatusOK, gin.H{"iceServers": servers})
}

func (s *Server) handleWS(c *gin.Context) {
	session := c.MustGet(sessionContextKey).(auth.Session)

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Warn("upgrade failed: %v", err)
		return
	}

	client := newClient(uuid.NewString(), session, s.hub, conn)
	log.Debug("client %s connected (session %s)", client.ID, session.ID)
	client.serve()
}

// ---------------------------------------------------------------------------
// middleware
// ---------------------------------------------------------------------------

// authenticate requires a valid session token when a JWT secret is
// configured. Without one, every connection gets an anonymous session.
func (s *Server) authenticate() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.cfg.JWTSecret == "" {
			c.Set(sessionContextKey, auth.Session{ID: uuid.NewString()})
			c.Next()
			return
		}

		token := tokenFromRequest(c.Request)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "session token required"})
			return
		}

		session, err := auth.ParseToken(s.cfg.JWTSecret, token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		c.Set(sessionContextKey, session)
		c.Next()
	}
}

// tokenFromRequest reads the token query parameter or a Bearer header.
// Browsers cannot set headers on WebSocket upgrades, hence the query form.
func tokenFromRequest(r *http.Request) string {
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	parts := strings.Split(r.Header.Get("Authorization"), " ")
	if len(parts) == 2 && parts[0] == "Bearer" {
		return parts[1]
	}
	return ""
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(s.cfg.AllowedOrigins) == 0 {
		return true
	}
	return slices.Contains(s.cfg.AllowedOrigins, origin)
}

// requestLogger forwards request lines to the pterm logger.
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		status := c.Writer.Status()
		latency := time.Since(start)
		if status >= http.StatusInternalServerError {
			httpLog.Error("%s %s → %d (%v)", c.Request.Method, path, status, latency)
			return
		}
		httpLog.Debug("%s %s → %d (%v) from %s", c.Request.Method, path, status, latency, c.ClientIP())
	}
}
