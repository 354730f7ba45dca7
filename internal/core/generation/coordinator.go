package generation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jinford/exam-rag/internal/core/dedup"
	"github.com/jinford/exam-rag/internal/core/knowledge"
	"github.com/jinford/exam-rag/internal/core/stream"
	"github.com/jinford/exam-rag/internal/core/style"
)

var _ StyleResolver = (*style.Cache)(nil)

// Config はコーディネーターの動作設定
type Config struct {
	FactsTopK         int
	StyleExamplesTopK int
	// MaxDraftAttempts はスロットあたりのドラフト回数の上限（初回 + 改訂 + 重複時の再ドラフト）
	MaxDraftAttempts int
	MinQualityScore  float64
	CallTimeout      time.Duration
	// CollaboratorRetries はドラフト・批評・重複判定の一時的失敗に対する再試行回数
	CollaboratorRetries int
	RetryBackoff        time.Duration
	// RememberAccepted が true の場合、受理した問題を履歴に保存する
	RememberAccepted bool
}

// DefaultConfig はコーディネーターの既定設定
func DefaultConfig() Config {
	return Config{
		FactsTopK:           5,
		StyleExamplesTopK:   3,
		MaxDraftAttempts:    3,
		MinQualityScore:     6,
		CallTimeout:         90 * time.Second,
		CollaboratorRetries: 1,
		RetryBackoff:        time.Second,
	}
}

func (c Config) normalized() Config {
	def := DefaultConfig()
	if c.FactsTopK <= 0 {
		c.FactsTopK = def.FactsTopK
	}
	if c.StyleExamplesTopK < 0 {
		c.StyleExamplesTopK = 0
	}
	if c.MaxDraftAttempts < 1 {
		c.MaxDraftAttempts = def.MaxDraftAttempts
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = def.CallTimeout
	}
	if c.CollaboratorRetries < 0 {
		c.CollaboratorRetries = 0
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = def.RetryBackoff
	}
	return c
}

// researchRetries は RESEARCH 段階の再試行回数（ストア障害・タイムアウト時に 1 回）
const researchRetries = 1

// Coordinator は 1 リクエスト分の問題生成を状態機械として進める
//
// RESEARCH → DRAFT → CRITIQUE → {REVISE → CRITIQUE | ACCEPT | REJECT} → DEDUP_CHECK → {EMIT | RETRY_SLOT} → DONE
//
// スロットは逐次処理され、イベントは Emitter を通じて順序通りに配信される。
// Coordinator 自体は状態を持たず、複数リクエストから同時に利用できる。
type Coordinator struct {
	retriever  FactRetriever
	styles     StyleResolver
	researcher Researcher
	drafter    Drafter
	critic     Critic
	dedup      DuplicateChecker
	cfg        Config
	logger     *slog.Logger
}

// CoordinatorOption は Coordinator のオプション
type CoordinatorOption func(*Coordinator)

// WithResearcher は検索結果を蒸留する Researcher を設定する（未設定時はチャンクをそのまま使う）
func WithResearcher(r Researcher) CoordinatorOption {
	return func(c *Coordinator) {
		c.researcher = r
	}
}

// WithConfig は動作設定を上書きする
func WithConfig(cfg Config) CoordinatorOption {
	return func(c *Coordinator) {
		c.cfg = cfg.normalized()
	}
}

// WithCoordinatorLogger はロガーを設定する
func WithCoordinatorLogger(logger *slog.Logger) CoordinatorOption {
	return func(c *Coordinator) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewCoordinator は Coordinator を生成する
func NewCoordinator(
	retriever FactRetriever,
	styles StyleResolver,
	drafter Drafter,
	critic Critic,
	guard DuplicateChecker,
	opts ...CoordinatorOption,
) *Coordinator {
	c := &Coordinator{
		retriever: retriever,
		styles:    styles,
		drafter:   drafter,
		critic:    critic,
		dedup:     guard,
		cfg:       DefaultConfig(),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run はリクエストを処理し、イベントを em に送出する
//
// 戻る時点で em には done / error のどちらか 1 つが必ず送出され、チャネルは閉じられている。
// リスナーが Stop() した場合は以降の外部呼び出しを行わずに context.Canceled を返す。
func (c *Coordinator) Run(ctx context.Context, req Request, em *stream.Emitter) (*Summary, error) {
	ctx, cancel := em.Bind(ctx)
	defer cancel()

	if err := req.Normalize(); err != nil {
		c.logger.Warn("Rejected generation request", "error", err)
		_ = em.Fail(err.Error())
		return nil, err
	}

	r := newRun(c, &req, em)
	summary, err := r.execute(ctx)
	if err != nil {
		if em.IsStopped() {
			c.logger.Info("Listener disconnected, generation stopped",
				"generated", summary.Generated,
				"requested", summary.Requested,
			)
			_ = em.Fail("generation cancelled")
			return summary, fmt.Errorf("generation cancelled: %w", context.Canceled)
		}
		c.logger.Error("Generation failed", "error", err, "generated", summary.Generated)
		_ = em.Fail(failureMessage(err))
		return summary, err
	}

	c.logger.Info("Generation completed",
		"requested", summary.Requested,
		"generated", summary.Generated,
		"abandoned", summary.Abandoned,
	)
	_ = em.Done(summary.Message(), summary)
	return summary, nil
}

func failureMessage(err error) string {
	switch {
	case errors.Is(err, knowledge.ErrStoreUnavailable):
		return "knowledge store unavailable: " + err.Error()
	case errors.Is(err, knowledge.ErrSchemaMismatch):
		return "knowledge store misconfigured: " + err.Error()
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "generation cancelled: " + err.Error()
	default:
		return err.Error()
	}
}

// run は 1 リクエスト分の可変状態を保持する
type run struct {
	c   *Coordinator
	req *Request
	em  *stream.Emitter

	accepted []*Question
	entries  []dedup.Entry

	cursor    int
	exhausted map[string]bool

	research map[string]*grounding
	styles   map[string]*styleContext

	summary *Summary
}

// grounding はトピックごとの検索結果と研究ブリーフ
type grounding struct {
	facts []*knowledge.Chunk
	brief *Brief
}

type styleContext struct {
	profile  *knowledge.StyleProfile
	examples []*knowledge.Chunk
}

func newRun(c *Coordinator, req *Request, em *stream.Emitter) *run {
	return &run{
		c:         c,
		req:       req,
		em:        em,
		exhausted: make(map[string]bool),
		research:  make(map[string]*grounding),
		styles:    make(map[string]*styleContext),
		summary:   &Summary{Requested: req.Count},
	}
}

func (r *run) execute(ctx context.Context) (*Summary, error) {
	if err := r.progress(ctx, stream.StageInit, fmt.Sprintf(
		"Generating %d %s questions on %s", r.req.Count, r.req.Difficulty, strings.Join(r.req.Topics, ", "),
	)); err != nil {
		return r.summary, err
	}

	for slot := 1; slot <= r.req.Count; slot++ {
		if err := ctx.Err(); err != nil {
			return r.summary, err
		}

		topic, ok := r.nextTopic()
		if !ok {
			for s := slot; s <= r.req.Count; s++ {
				r.record(SlotOutcome{Slot: s, Status: SlotSkipped, Reason: "all topics exhausted"})
			}
			if err := r.progress(ctx, stream.StageSkip, fmt.Sprintf(
				"All topics exhausted, stopping after %d of %d questions", len(r.accepted), r.req.Count,
			)); err != nil {
				return r.summary, err
			}
			break
		}

		outcome, err := r.runSlot(ctx, slot, topic)
		if err != nil {
			return r.summary, err
		}
		r.record(outcome)
	}

	return r.summary, nil
}

// nextTopic は枯渇していないトピックをラウンドロビンで返す
func (r *run) nextTopic() (string, bool) {
	n := len(r.req.Topics)
	for i := 0; i < n; i++ {
		topic := r.req.Topics[(r.cursor+i)%n]
		if !r.exhausted[topic] {
			r.cursor = (r.cursor + i + 1) % n
			return topic, true
		}
	}
	return "", false
}

func (r *run) record(o SlotOutcome) {
	r.summary.Slots = append(r.summary.Slots, o)
	if o.Status == SlotAccepted {
		r.summary.Generated++
	} else {
		r.summary.Abandoned++
	}
	if o.Status == SlotNoGrounding {
		r.summary.ExhaustedTopics = append(r.summary.ExhaustedTopics, o.Topic)
	}
}

func (r *run) progress(ctx context.Context, stage stream.Stage, message string) error {
	if err := r.em.Progress(ctx, stage, message); err != nil {
		return fmt.Errorf("failed to emit progress: %w", err)
	}
	return nil
}
