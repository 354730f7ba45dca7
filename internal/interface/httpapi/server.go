// Package httpapi は問題生成パイプラインの HTTP API を提供する
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/samber/mo"

	"github.com/jinford/exam-rag/internal/core/generation"
	"github.com/jinford/exam-rag/internal/core/knowledge"
	"github.com/jinford/exam-rag/internal/core/stream"
)

// Generator は生成リクエストを処理してイベントを送出する
type Generator interface {
	Run(ctx context.Context, req generation.Request, em *stream.Emitter) (*generation.Summary, error)
}

// StyleService は文体プロファイルの参照と再抽出を提供する
type StyleService interface {
	Get(ctx context.Context, filename mo.Option[string]) (*knowledge.StyleProfile, error)
	Extract(ctx context.Context, filename string, keywords []string) (*knowledge.StyleProfile, error)
}

// TopicLister はトピック一覧を提供する
type TopicLister interface {
	List(ctx context.Context, filename mo.Option[string]) ([]*knowledge.Topic, error)
}

// Pinger はストアの疎通確認を行う
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server は HTTP API サーバー
type Server struct {
	generator   Generator
	styles      StyleService
	topics      TopicLister
	files       knowledge.FileRepository
	health      Pinger
	eventBuffer int
	logger      *slog.Logger

	mu     sync.Mutex
	server *http.Server
}

// Option は Server のオプション
type Option func(*Server)

// WithEventBuffer は SSE 1 接続あたりのイベントバッファ長を設定する
func WithEventBuffer(n int) Option {
	return func(s *Server) {
		if n > 0 {
			s.eventBuffer = n
		}
	}
}

// WithLogger はロガーを設定する
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewServer は Server を生成する
func NewServer(
	generator Generator,
	styles StyleService,
	topics TopicLister,
	files knowledge.FileRepository,
	health Pinger,
	opts ...Option,
) *Server {
	s := &Server{
		generator:   generator,
		styles:      styles,
		topics:      topics,
		files:       files,
		health:      health,
		eventBuffer: stream.DefaultBufferSize,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler はルーティング済みの http.Handler を返す
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)

	r.Route("/api/v1", func(r chi.Router) {
		// SSE はタイムアウトや圧縮のミドルウェアを通さない
		r.Post("/generate", s.handleGenerate)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(5 * time.Minute))
			r.Get("/style-profiles/{filename}", s.handleGetStyleProfile)
			r.Post("/style-profiles/{filename}/extract", s.handleExtractStyleProfile)
			r.Get("/topics", s.handleListTopics)
			r.Delete("/files/{filename}", s.handleDeleteFile)
		})
	})
	return r
}

// Start は HTTP サーバーを起動し、停止するまでブロックする
func (s *Server) Start(addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.mu.Lock()
	s.server = srv
	s.mu.Unlock()

	s.logger.Info("Starting server", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to serve: %w", err)
	}
	return nil
}

// Stop はサーバーをグレースフルに停止する
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.server
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"requestID", middleware.GetReqID(r.Context()),
		)
	})
}
