package web

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"html/template"
	"io/fs"
	"net/http"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/intelligrit/jalan-map/internal/metrics"
	"github.com/intelligrit/jalan-map/internal/projector"
	"github.com/intelligrit/jalan-map/internal/shell"
	"github.com/intelligrit/jalan-map/internal/surface"
)

//go:embed all:static
var staticFS embed.FS

const shutdownTimeout = 5 * time.Second

// Server serves the map client, the report API and map sessions.
type Server struct {
	Reports shell.DataSource
	Addr    string
	// AllowedOrigins lists the origins allowed for CORS and websockets.
	// Empty or "*" allows any origin.
	AllowedOrigins []string
	Map            surface.Options
	Session        shell.Options
	Limiter        *RateLimiter

	proj     *projector.Projector
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[*websocket.Conn]struct{}
}

// Handler builds the gin engine with every route registered.
func (s *Server) Handler() (http.Handler, error) {
	matcher := s.Session.Matcher
	if matcher == nil {
		matcher = projector.ExactTagMatcher{}
	}
	s.proj = projector.New(projector.WithMatcher(matcher))
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	metrics.Register()

	router := gin.New()
	router.Use(gin.Recovery(), requestLogger())
	router.Use(cors.New(s.corsConfig()))

	index, err := template.ParseFS(staticFS, "static/index.html")
	if err != nil {
		return nil, fmt.Errorf("parsing index template: %w", err)
	}
	router.SetHTMLTemplate(index)

	api := router.Group("/api")
	api.GET("/reports", s.handleListReports)
	api.POST("/reports", s.limit(), s.handleInsertReport)
	api.GET("/reports.geojson", s.handleGeoJSON)
	api.GET("/icons/:class", s.handleIcon)
	api.GET("/health", s.handleHealth)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/ws", s.handleSession)

	staticSub, err := fs.Sub(staticFS, "static")
	if err != nil {
		return nil, fmt.Errorf("creating sub filesystem: %w", err)
	}
	router.StaticFS("/static", http.FS(staticSub))
	router.GET("/", s.handleIndex)

	return router, nil
}

// Run serves until ctx is cancelled, then shuts down and closes open
// sessions.
func (s *Server) Run(ctx context.Context) error {
	handler, err := s.Handler()
	if err != nil {
		return err
	}
	srv := &http.Server{Addr: s.Addr, Handler: handler}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Warn("http shutdown")
		}
		s.closeConns()
	}()

	fmt.Printf("Serving at http://%s\n", s.Addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) corsConfig() cors.Config {
	cfg := cors.Config{
		AllowMethods: []string{"GET", "POST", "OPTIONS"},
		AllowHeaders: []string{"Content-Type"},
		MaxAge:       12 * time.Hour,
	}
	if s.anyOrigin() {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = s.AllowedOrigins
	}
	return cfg
}

func (s *Server) anyOrigin() bool {
	if len(s.AllowedOrigins) == 0 {
		return true
	}
	for _, o := range s.AllowedOrigins {
		if o == "*" {
			return true
		}
	}
	return false
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || s.anyOrigin() {
		return true
	}
	for _, o := range s.AllowedOrigins {
		if o == origin {
			return true
		}
	}
	return "http://"+r.Host == origin || "https://"+r.Host == origin
}

func (s *Server) limit() gin.HandlerFunc {
	if s.Limiter == nil {
		return func(c *gin.Context) { c.Next() }
	}
	return s.Limiter.Middleware()
}

func (s *Server) trackConn(conn *websocket.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conns == nil {
		s.conns = make(map[*websocket.Conn]struct{})
	}
	s.conns[conn] = struct{}{}
}

func (s *Server) untrackConn(conn *websocket.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, conn)
}

func (s *Server) closeConns() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.conns {
		conn.Close()
	}
}

func (s *Server) sessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.WithFields(log.Fields{
			"method":   c.Request.Method,
			"path":     c.Request.URL.Path,
			"status":   c.Writer.Status(),
			"duration": time.Since(start),
		}).Debug("request")
	}
}
