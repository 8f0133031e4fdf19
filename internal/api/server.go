package api

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/energizer-project/gpcm/internal/config"
	"github.com/energizer-project/gpcm/internal/gpcm"
	intnet "github.com/energizer-project/gpcm/internal/network"
	"github.com/energizer-project/gpcm/internal/store"
	"github.com/energizer-project/gpcm/internal/util"
)

// Presence is the view of the presence server the API needs.
type Presence interface {
	Sessions() []gpcm.SessionInfo
	Session(profileID int) (gpcm.SessionInfo, bool)
	Kick(profileID int, reason string) bool
}

// ProfileFinder looks up stored profiles.
type ProfileFinder interface {
	GetProfileByProfileID(ctx context.Context, profileID int) (*store.Profile, error)
}

// Server is the operator REST API.
type Server struct {
	cfg      *config.Config
	presence Presence
	profiles ProfileFinder
	dataPath string
	started  time.Time

	httpServer *http.Server
	router     *gin.Engine
}

// NewServer creates a new API server.
func NewServer(cfg *config.Config, presence Presence, profiles ProfileFinder) *Server {
	if cfg.GetLogging().Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	return &Server{
		cfg:      cfg,
		presence: presence,
		profiles: profiles,
		dataPath: filepath.Dir(cfg.GetDatabase().Path),
		started:  time.Now(),
	}
}

// Handler returns the HTTP handler, building the router on first use.
func (s *Server) Handler() http.Handler {
	if s.router == nil {
		s.router = s.buildRouter()
	}
	return s.router
}

// Start serves the API until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	apiCfg := s.cfg.GetAdminAPI()

	s.httpServer = &http.Server{
		Addr:         apiCfg.ListenAddr,
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	if apiCfg.TLSEnabled {
		tlsCfg, err := util.LoadServerTLS(apiCfg.TLSCertFile, apiCfg.TLSKeyFile, apiCfg.TLSSelfSigned)
		if err != nil {
			return fmt.Errorf("admin API TLS: %w", err)
		}
		s.httpServer.TLSConfig = tlsCfg
	}

	lc := intnet.ReuseAddrListenConfig()
	ln, err := lc.Listen(ctx, "tcp", apiCfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("admin API listen: %w", err)
	}

	log.Info().
		Str("addr", apiCfg.ListenAddr).
		Bool("tls", apiCfg.TLSEnabled).
		Msg("admin API starting")

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	if s.httpServer.TLSConfig != nil {
		err = s.httpServer.Serve(tls.NewListener(ln, s.httpServer.TLSConfig))
	} else {
		err = s.httpServer.Serve(ln)
	}
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("admin API: %w", err)
	}
	return nil
}

func (s *Server) buildRouter() *gin.Engine {
	apiCfg := s.cfg.GetAdminAPI()
	router := gin.New()

	router.Use(gin.Recovery())
	router.Use(RequestLogger())
	router.Use(SecurityHeaders())

	allowedOrigins := apiCfg.AllowedOrigins
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	router.Use(cors.New(cors.Config{
		AllowOrigins:     allowedOrigins,
		AllowMethods:     []string{"GET", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}))

	router.Use(NewRateLimiter(apiCfg.RateLimitRPS).Middleware())

	public := router.Group("/api/public")
	{
		public.GET("/ping", s.handlePing)
	}

	protected := router.Group("/api")
	protected.Use(IPWhitelist(apiCfg.IPWhitelist))
	protected.Use(TokenAuth(apiCfg.Token))
	{
		protected.GET("/sessions", s.handleListSessions)
		protected.GET("/sessions/:profileid", s.handleGetSession)
		protected.DELETE("/sessions/:profileid", s.handleKickSession)
		protected.GET("/profiles/:profileid", s.handleGetProfile)
		protected.GET("/system", s.handleGetSystem)
		protected.GET("/config", s.handleGetConfig)
	}

	router.NoRoute(func(c *gin.Context) {
		if strings.HasPrefix(c.Request.URL.Path, "/api/") {
			c.JSON(http.StatusNotFound, gin.H{"error": "endpoint not found"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"message": "gpcm admin API is running"})
	})

	return router
}

// Stop shuts the API down if it was started.
func (s *Server) Stop() error {
	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}
