package topic

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/samber/mo"

	"github.com/jinford/exam-rag/internal/core/knowledge"
)

// DefaultMaxChunks はトピック抽出に渡す教科書チャンク数の上限
const DefaultMaxChunks = 30

// ErrNoTextbookContent は対象ファイルに教科書チャンクが存在しない場合のエラー
var ErrNoTextbookContent = errors.New("no textbook content")

// Extractor は教科書のチャンクから出題トピックを抽出する外部コラボレーター
type Extractor interface {
	ExtractTopics(ctx context.Context, filename string, chunks []*knowledge.Chunk) ([]string, error)
}

// ExtractFunc は関数を Extractor として扱うアダプタ
type ExtractFunc func(ctx context.Context, filename string, chunks []*knowledge.Chunk) ([]string, error)

// ExtractTopics implements Extractor.
func (f ExtractFunc) ExtractTopics(ctx context.Context, filename string, chunks []*knowledge.Chunk) ([]string, error) {
	return f(ctx, filename, chunks)
}

// Service はファイルごとのトピック一覧を管理する
type Service struct {
	repo      knowledge.TopicRepository
	replacer  knowledge.TopicReplacer
	chunks    knowledge.ChunkReader
	extractor Extractor
	maxChunks int
	logger    *slog.Logger
}

// Option は Service のオプション
type Option func(*Service)

// WithMaxChunks は抽出に使うチャンク数の上限を設定する
func WithMaxChunks(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.maxChunks = n
		}
	}
}

// WithLogger はロガーを設定する
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewService は Service を生成する
func NewService(
	repo knowledge.TopicRepository,
	replacer knowledge.TopicReplacer,
	chunks knowledge.ChunkReader,
	extractor Extractor,
	opts ...Option,
) *Service {
	s := &Service{
		repo:      repo,
		replacer:  replacer,
		chunks:    chunks,
		extractor: extractor,
		maxChunks: DefaultMaxChunks,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Extract はファイルからトピックを抽出して追加し、新規に保存した件数を返す
// 既存のトピックは変更しない
func (s *Service) Extract(ctx context.Context, filename string) (int, error) {
	names, err := s.extract(ctx, filename)
	if err != nil {
		return 0, err
	}

	inserted, err := s.repo.InsertTopics(ctx, filename, names)
	if err != nil {
		return 0, fmt.Errorf("failed to insert topics: %w", err)
	}

	s.logger.Info("Topics extracted",
		"filename", filename,
		"extracted", len(names),
		"inserted", inserted,
	)
	return inserted, nil
}

// Regenerate はファイルのトピック集合を抽出結果で置き換え、保存した件数を返す
func (s *Service) Regenerate(ctx context.Context, filename string) (int, error) {
	names, err := s.extract(ctx, filename)
	if err != nil {
		return 0, err
	}

	n, err := s.replacer.ReplaceTopics(ctx, filename, names)
	if err != nil {
		return 0, fmt.Errorf("failed to replace topics: %w", err)
	}

	s.logger.Info("Topics regenerated", "filename", filename, "count", n)
	return n, nil
}

// List はトピック一覧を返す。ファイル名が None の場合は全ファイルが対象
func (s *Service) List(ctx context.Context, filename mo.Option[string]) ([]*knowledge.Topic, error) {
	topics, err := s.repo.ListTopics(ctx, filename)
	if err != nil {
		return nil, fmt.Errorf("failed to list topics: %w", err)
	}
	return topics, nil
}

func (s *Service) extract(ctx context.Context, filename string) ([]string, error) {
	if strings.TrimSpace(filename) == "" {
		return nil, errors.New("filename is required")
	}

	s.logger.Info("Starting topic extraction", "filename", filename)

	chunks, err := s.chunks.ListByFilename(ctx, filename, knowledge.SourceKindTextbook, s.maxChunks)
	if err != nil {
		return nil, fmt.Errorf("failed to load textbook chunks: %w", err)
	}
	if len(chunks) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoTextbookContent, filename)
	}

	names, err := s.extractor.ExtractTopics(ctx, filename, chunks)
	if err != nil {
		return nil, fmt.Errorf("failed to extract topics: %w", err)
	}
	return CleanNames(names), nil
}

// CleanNames は空白を整え、大文字小文字を無視して重複を除く（最初の表記を残す）
func CleanNames(names []string) []string {
	seen := make(map[string]struct{}, len(names))
	result := make([]string, 0, len(names))
	for _, n := range names {
		n = strings.Join(strings.Fields(n), " ")
		if n == "" {
			continue
		}
		key := strings.ToLower(n)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		result = append(result, n)
	}
	return result
}
