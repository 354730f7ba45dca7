package style

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/samber/mo"
	"golang.org/x/sync/singleflight"

	"github.com/jinford/exam-rag/internal/core/knowledge"
)

// DefaultMaxChunks は文体解析に渡す試験問題チャンク数の上限
const DefaultMaxChunks = 50

// ErrNoExamPaper は対象ファイルに試験問題チャンクが存在しない場合のエラー
var ErrNoExamPaper = errors.New("no exam paper content")

// Extractor は試験問題のチャンクから文体の特徴を抽出する外部コラボレーター
type Extractor interface {
	Extract(ctx context.Context, filename string, chunks []*knowledge.Chunk, keywords []string) (*knowledge.StylePayload, error)
}

// ExtractFunc は関数を Extractor として扱うアダプタ
type ExtractFunc func(ctx context.Context, filename string, chunks []*knowledge.Chunk, keywords []string) (*knowledge.StylePayload, error)

// Extract implements Extractor.
func (f ExtractFunc) Extract(ctx context.Context, filename string, chunks []*knowledge.Chunk, keywords []string) (*knowledge.StylePayload, error) {
	return f(ctx, filename, chunks, keywords)
}

// StalenessPolicy はキャッシュの鮮度ポリシー
// MaxAge が 0 の場合、プロファイルは明示的な再抽出でのみ更新される
type StalenessPolicy struct {
	MaxAge time.Duration
}

// DefaultProfile は試験問題が存在しない場合に使う中立的なプロファイル
func DefaultProfile() *knowledge.StyleProfile {
	return &knowledge.StyleProfile{
		Profile: knowledge.StylePayload{
			Tone:        "neutral",
			OptionCount: 4,
			Notes:       "No exam paper available. Format generically with no tone constraints.",
		},
	}
}

// Cache は文体プロファイルをファイル単位でキャッシュする
type Cache struct {
	repo      knowledge.StyleProfileRepository
	chunks    knowledge.ChunkReader
	extractor Extractor
	policy    StalenessPolicy
	maxChunks int
	logger    *slog.Logger
	now       func() time.Time

	group     singleflight.Group
	keywordMu sync.Mutex
}

// CacheOption は Cache のオプション
type CacheOption func(*Cache)

// WithStalenessPolicy は鮮度ポリシーを設定する
func WithStalenessPolicy(policy StalenessPolicy) CacheOption {
	return func(c *Cache) {
		c.policy = policy
	}
}

// WithMaxChunks は解析に使うチャンク数の上限を設定する
func WithMaxChunks(n int) CacheOption {
	return func(c *Cache) {
		if n > 0 {
			c.maxChunks = n
		}
	}
}

// WithCacheLogger はロガーを設定する
func WithCacheLogger(logger *slog.Logger) CacheOption {
	return func(c *Cache) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithClock は現在時刻の取得関数を差し替える（テスト用）
func WithClock(now func() time.Time) CacheOption {
	return func(c *Cache) {
		c.now = now
	}
}

// NewCache は Cache を生成する
func NewCache(repo knowledge.StyleProfileRepository, chunks knowledge.ChunkReader, extractor Extractor, opts ...CacheOption) *Cache {
	c := &Cache{
		repo:      repo,
		chunks:    chunks,
		extractor: extractor,
		maxChunks: DefaultMaxChunks,
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get はファイル名に対応するプロファイルを返す
// ファイル名が None の場合、またはファイルに試験問題が無い場合はデフォルトプロファイルを返す
func (c *Cache) Get(ctx context.Context, filename mo.Option[string]) (*knowledge.StyleProfile, error) {
	name, ok := filename.Get()
	if !ok || strings.TrimSpace(name) == "" {
		return DefaultProfile(), nil
	}

	profile, err := c.lookupFresh(ctx, name)
	if err != nil {
		return nil, err
	}
	if profile != nil {
		return profile, nil
	}

	profile, err = c.Extract(ctx, name, nil)
	if errors.Is(err, ErrNoExamPaper) {
		c.logger.Info("No exam paper content, using default style profile", "filename", name)
		return DefaultProfile(), nil
	}
	return profile, err
}

// ForTopic はトピックに最も合うプロファイルを返す
// キーワード一致のキャッシュ → 関連する試験問題からの抽出 → デフォルトの順に解決する
func (c *Cache) ForTopic(ctx context.Context, topic string) (*knowledge.StyleProfile, error) {
	keyword := strings.ToLower(strings.TrimSpace(topic))
	if keyword == "" {
		return DefaultProfile(), nil
	}

	cached, err := c.repo.FindByKeyword(ctx, keyword)
	if err != nil {
		return nil, fmt.Errorf("failed to find style profile by keyword: %w", err)
	}
	if p, ok := cached.Get(); ok && !p.IsStale(c.now(), c.policy.MaxAge) {
		c.logger.Debug("Style profile cache hit", "topic", topic, "filename", p.SourceFilename)
		return p, nil
	}

	filenames, err := c.repo.FindExamPapers(ctx, topic, 1)
	if err != nil {
		return nil, fmt.Errorf("failed to find exam papers: %w", err)
	}
	if len(filenames) == 0 {
		c.logger.Info("No exam paper matches topic, using default style profile", "topic", topic)
		return DefaultProfile(), nil
	}

	profile, err := c.lookupFresh(ctx, filenames[0])
	if err != nil {
		return nil, err
	}
	if profile != nil {
		return profile, nil
	}

	profile, err = c.Extract(ctx, filenames[0], []string{keyword})
	if errors.Is(err, ErrNoExamPaper) {
		return DefaultProfile(), nil
	}
	return profile, err
}

// Extract は試験問題を解析してプロファイルを保存する
// 同一ファイル名への同時呼び出しは 1 回の抽出にまとめられ、保存はファイル名をキーに upsert される
// 共有された抽出は呼び出し元の切断では中断されず、各呼び出し元のキーワードは結果に追記される
func (c *Cache) Extract(ctx context.Context, filename string, keywords []string) (*knowledge.StyleProfile, error) {
	ch := c.group.DoChan(filename, func() (any, error) {
		return c.extract(context.WithoutCancel(ctx), filename, keywords)
	})

	var res singleflight.Result
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res = <-ch:
	}
	if res.Err != nil {
		return nil, res.Err
	}

	profile := res.Val.(*knowledge.StyleProfile)
	if !res.Shared {
		return profile, nil
	}
	c.logger.Debug("Style extraction shared with concurrent caller", "filename", filename)
	return c.addKeywords(ctx, profile, keywords)
}

// addKeywords は profile に無いキーワードだけを保存済みの行に追記する
func (c *Cache) addKeywords(ctx context.Context, profile *knowledge.StyleProfile, keywords []string) (*knowledge.StyleProfile, error) {
	missing := slices.DeleteFunc(knowledge.NormalizeKeywords(keywords), func(k string) bool {
		return slices.Contains(profile.TopicKeywords, k)
	})
	if len(missing) == 0 {
		return profile, nil
	}

	c.keywordMu.Lock()
	defer c.keywordMu.Unlock()

	latest, err := c.repo.GetByFilename(ctx, profile.SourceFilename)
	if err != nil {
		return nil, fmt.Errorf("failed to get style profile: %w", err)
	}
	latest.TopicKeywords = knowledge.NormalizeKeywords(append(latest.TopicKeywords, missing...))

	saved, err := c.repo.Upsert(ctx, latest)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert style profile: %w", err)
	}
	return saved, nil
}

func (c *Cache) extract(ctx context.Context, filename string, keywords []string) (*knowledge.StyleProfile, error) {
	c.logger.Info("Extracting style profile", "filename", filename)

	chunks, err := c.chunks.ListByFilename(ctx, filename, knowledge.SourceKindExamPaper, c.maxChunks)
	if err != nil {
		return nil, fmt.Errorf("failed to load exam paper chunks: %w", err)
	}
	if len(chunks) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoExamPaper, filename)
	}

	payload, err := c.extractor.Extract(ctx, filename, chunks, keywords)
	if err != nil {
		return nil, fmt.Errorf("failed to extract style profile: %w", err)
	}
	payload.ChunkCount = len(chunks)

	merged := keywords
	existing, err := c.repo.GetByFilename(ctx, filename)
	switch {
	case err == nil:
		merged = append(append([]string{}, existing.TopicKeywords...), keywords...)
	case !errors.Is(err, knowledge.ErrNotFound):
		return nil, fmt.Errorf("failed to get style profile: %w", err)
	}

	saved, err := c.repo.Upsert(ctx, &knowledge.StyleProfile{
		SourceFilename: filename,
		TopicKeywords:  knowledge.NormalizeKeywords(merged),
		Profile:        *payload,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to upsert style profile: %w", err)
	}

	c.logger.Info("Style profile saved", "filename", filename, "chunks", len(chunks), "keywords", len(saved.TopicKeywords))
	return saved, nil
}

// ExtractOutcome は一括抽出の個別結果
type ExtractOutcome struct {
	Filename string
	Profile  *knowledge.StyleProfile
	Err      error
}

// ExtractAll は全ての試験問題ファイルについてプロファイルを再抽出する
// 個別の失敗は結果に記録し、処理を継続する
func (c *Cache) ExtractAll(ctx context.Context) ([]ExtractOutcome, error) {
	filenames, err := c.repo.ListExamPaperFilenames(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list exam papers: %w", err)
	}

	outcomes := make([]ExtractOutcome, 0, len(filenames))
	for _, name := range filenames {
		if err := ctx.Err(); err != nil {
			return outcomes, err
		}
		profile, err := c.Extract(ctx, name, nil)
		if err != nil {
			c.logger.Warn("Style extraction failed", "filename", name, "error", err)
		}
		outcomes = append(outcomes, ExtractOutcome{Filename: name, Profile: profile, Err: err})
	}
	return outcomes, nil
}

// lookupFresh はキャッシュ済みで鮮度ポリシー内のプロファイルを返す（無ければ nil）
func (c *Cache) lookupFresh(ctx context.Context, filename string) (*knowledge.StyleProfile, error) {
	profile, err := c.repo.GetByFilename(ctx, filename)
	if errors.Is(err, knowledge.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get style profile: %w", err)
	}
	if profile.IsStale(c.now(), c.policy.MaxAge) {
		c.logger.Info("Style profile is stale", "filename", filename, "updatedAt", profile.UpdatedAt)
		return nil, nil
	}
	return profile, nil
}
