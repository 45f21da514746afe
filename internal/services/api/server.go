package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"endpoint-posture/internal/adapters/snapshotfmt"
	sqliteadapter "endpoint-posture/internal/adapters/store/sqlite"
	"endpoint-posture/internal/platform/logging"
	"endpoint-posture/internal/services/posture"
	"endpoint-posture/internal/services/privacy"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// maxSnapshotBytes 限制单次上报的请求体大小。
const maxSnapshotBytes = 8 << 20

// Options 定义 HTTP 接口的依赖。
// 默认不做鉴权；Privacy=masked 时终端详情对 IP/MAC/路径脱敏。
type Options struct {
	Store          *sqliteadapter.Store
	Migrator       *sqliteadapter.Migrator
	Engine         *posture.Engine
	Decoder        *snapshotfmt.Decoder
	Gatherer       prometheus.Gatherer
	Logger         *zap.Logger
	Privacy        privacy.Mode
	AllowedOrigins []string
	Now            func() time.Time
}

// Server 持有路由与依赖。
type Server struct {
	opts   Options
	logger *zap.Logger
	router chi.Router
}

func New(opts Options) *Server {
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if len(opts.AllowedOrigins) == 0 {
		opts.AllowedOrigins = []string{"*"}
	}
	s := &Server{opts: opts, logger: logging.OrNop(opts.Logger)}
	s.router = s.routes()
	return s
}

// Handler 返回挂好中间件的根路由。
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(s.logger))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.opts.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Request-ID", "X-Actor"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, errors.New("route not found"))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
	})

	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.opts.Gatherer, promhttp.HandlerOpts{}))

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/snapshots", s.handleIngest)

		r.Get("/clients", s.handleClients)
		r.Route("/clients/{id}", func(r chi.Router) {
			r.Get("/", s.handleClient)
			r.Get("/violations", s.handleClientViolations)
			r.Get("/network-changes", s.handleNetworkChanges)
		})

		r.Post("/violations/{id}/{action}", s.handleViolationAction)

		r.Get("/policies", s.handlePolicies)
		r.Get("/migrations", s.handleMigrations)
	})
	return r
}

// requestLogger 用 zap 记录每个请求的状态码与耗时。
func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			defer func() {
				logger.Info("http request",
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.Int("status", ww.Status()),
					zap.Int("bytes", ww.BytesWritten()),
					zap.Duration("duration", time.Since(start)),
					zap.String("request_id", middleware.GetReqID(r.Context())),
					zap.String("remote_addr", r.RemoteAddr),
				)
			}()
			next.ServeHTTP(ww, r)
		})
	}
}

// Run 在 addr 上提供服务，ctx 取消后优雅关闭。
func Run(ctx context.Context, addr string, handler http.Handler, logger *zap.Logger) error {
	logger = logging.OrNop(logger)
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	logger.Info("api listening", zap.String("addr", addr))
	err := httpServer.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
