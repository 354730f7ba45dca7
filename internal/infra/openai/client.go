package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/shared"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

const (
	// DefaultModel はデフォルトで使用するOpenAIモデル
	DefaultModel = "gpt-4o-mini"

	// MaxRetries はレート制限エラー時の最大リトライ回数
	MaxRetries = 3

	// BaseBackoff はExponential Backoffの基底時間
	BaseBackoff = 2 * time.Second

	// MaxBackoff はExponential Backoffの最大待機時間
	MaxBackoff = 32 * time.Second

	// JSONParseMaxRetries はJSON解析エラー時の最大リトライ回数
	JSONParseMaxRetries = 1
)

var (
	// ErrAPIKeyNotSet はAPIキーが設定されていない場合のエラー
	ErrAPIKeyNotSet = errors.New("OpenAI API key not set: please set OPENAI_API_KEY environment variable")

	// ErrInvalidResponseFormat は不正なレスポンス形式のエラー
	ErrInvalidResponseFormat = errors.New("invalid response format")

	// ErrMaxRetriesExceeded は最大リトライ回数を超過した場合のエラー
	ErrMaxRetriesExceeded = errors.New("max retries exceeded")

	// ErrCircuitOpen は連続失敗によりサーキットブレーカーが開いている場合のエラー
	ErrCircuitOpen = errors.New("OpenAI circuit breaker open")

	// ErrUnauthorized はAPIキーが拒否された場合のエラー
	ErrUnauthorized = errors.New("OpenAI API key rejected")
)

// ChatRequest は JSON モードのチャット補完リクエスト
type ChatRequest struct {
	// Operation はコスト集計とログに使う呼び出し種別（"draft" など）
	Operation   string
	System      string
	User        string
	Temperature float64
	MaxTokens   int
}

// JSONCompleter は JSON オブジェクトを返すチャット補完
type JSONCompleter interface {
	CompleteJSON(ctx context.Context, req ChatRequest) (string, error)
}

// Client は OpenAI API を使用した LLM クライアント実装
//
// 呼び出しはレートリミッター → サーキットブレーカー → API の順に通り、
// 429 はバックオフ付きで再試行される。
type Client struct {
	client      openai.Client
	model       string
	limiter     *rate.Limiter
	breaker     *gobreaker.CircuitBreaker
	costs       *CostTracker
	baseBackoff time.Duration
	logger      *slog.Logger
}

type clientOptions struct {
	model             string
	baseURL           string
	requestsPerMinute int
	costs             *CostTracker
	baseBackoff       time.Duration
	logger            *slog.Logger
}

// ClientOption は Client のオプション設定
type ClientOption func(*clientOptions)

// WithModel はモデル名を上書きする
func WithModel(model string) ClientOption {
	return func(o *clientOptions) {
		if model != "" {
			o.model = model
		}
	}
}

// WithBaseURL は API のベース URL を上書きする（互換 API・テスト用）
func WithBaseURL(url string) ClientOption {
	return func(o *clientOptions) {
		o.baseURL = url
	}
}

// WithRequestsPerMinute は 1 分あたりのリクエスト数を制限する（0 は無制限）
func WithRequestsPerMinute(rpm int) ClientOption {
	return func(o *clientOptions) {
		o.requestsPerMinute = rpm
	}
}

// WithCostTracker はコスト集計と予算上限を設定する
func WithCostTracker(ct *CostTracker) ClientOption {
	return func(o *clientOptions) {
		o.costs = ct
	}
}

// WithRetryBackoff は 429 時のバックオフ基底時間を設定する
func WithRetryBackoff(d time.Duration) ClientOption {
	return func(o *clientOptions) {
		if d > 0 {
			o.baseBackoff = d
		}
	}
}

// WithLogger はロガーを設定する
func WithLogger(logger *slog.Logger) ClientOption {
	return func(o *clientOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// NewClient は新しい Client を作成する
func NewClient(apiKey string, opts ...ClientOption) (*Client, error) {
	if apiKey == "" {
		return nil, ErrAPIKeyNotSet
	}

	options := clientOptions{
		model:       DefaultModel,
		baseBackoff: BaseBackoff,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(&options)
	}

	// 429 の再試行はこちらで行うため SDK 側の再試行は無効にする
	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	}
	if options.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(options.baseURL))
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if options.requestsPerMinute > 0 {
		limiter = rate.NewLimiter(rate.Limit(float64(options.requestsPerMinute)/60.0), max(1, options.requestsPerMinute/10))
	}

	logger := options.logger
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "OpenAI",
		MaxRequests: 3,
		Interval:    30 * time.Second,
		Timeout:     60 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			// レート制限とキャンセルは障害として数えない
			return err == nil || isRateLimitError(err) || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("Circuit breaker state changed", "name", name, "from", from.String(), "to", to.String())
		},
	})

	return &Client{
		client:      openai.NewClient(reqOpts...),
		model:       options.model,
		limiter:     limiter,
		breaker:     breaker,
		costs:       options.costs,
		baseBackoff: options.baseBackoff,
		logger:      logger,
	}, nil
}

// ModelName はモデル名を返す
func (c *Client) ModelName() string {
	return c.model
}

// CompleteJSON は JSON モードでチャット補完を行い、コードフェンスを除いた JSON 文字列を返す
// 不正な JSON が返った場合は JSONParseMaxRetries 回まで再生成する
func (c *Client) CompleteJSON(ctx context.Context, req ChatRequest) (string, error) {
	var jsonParseRetries int
	for {
		content, err := c.completeWithRetry(ctx, req)
		if err != nil {
			return "", err
		}

		content = StripCodeFence(content)
		if isValidJSON(content) {
			return content, nil
		}

		jsonParseRetries++
		if jsonParseRetries > JSONParseMaxRetries {
			return "", fmt.Errorf("%w: JSON parse failed after %d retries", ErrInvalidResponseFormat, JSONParseMaxRetries)
		}
		c.logger.Warn("LLM returned invalid JSON, regenerating", "operation", req.Operation)
	}
}

func (c *Client) completeWithRetry(ctx context.Context, req ChatRequest) (string, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.baseBackoff
	b.MaxInterval = MaxBackoff
	b.MaxElapsedTime = 0
	b.Reset()

	var content string
	attempt := 0
	operation := func() error {
		attempt++
		if c.costs != nil {
			if err := c.costs.CheckBudget(); err != nil {
				return backoff.Permanent(err)
			}
		}
		if err := c.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}

		result, err := c.breaker.Execute(func() (interface{}, error) {
			return c.complete(ctx, req)
		})
		switch {
		case err == nil:
			content = result.(string)
			return nil
		case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
			return backoff.Permanent(fmt.Errorf("%w: %v", ErrCircuitOpen, err))
		case isRateLimitError(err):
			return err
		default:
			return backoff.Permanent(err)
		}
	}

	notify := func(err error, wait time.Duration) {
		c.logger.Warn("OpenAI rate limited, backing off",
			"operation", req.Operation,
			"attempt", attempt,
			"backoff", wait,
		)
	}

	err := backoff.RetryNotify(operation, backoff.WithContext(backoff.WithMaxRetries(b, MaxRetries), ctx), notify)
	if err != nil {
		if isRateLimitError(err) {
			return "", fmt.Errorf("%w: %v", ErrMaxRetriesExceeded, err)
		}
		return "", err
	}
	return content, nil
}

func (c *Client) complete(ctx context.Context, req ChatRequest) (string, error) {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, 2)
	if req.System != "" {
		messages = append(messages, openai.SystemMessage(req.System))
	}
	messages = append(messages, openai.UserMessage(req.User))

	params := openai.ChatCompletionNewParams{
		Model:       shared.ChatModel(c.model),
		Messages:    messages,
		Temperature: openai.Float(req.Temperature),
		ResponseFormat: openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &shared.ResponseFormatJSONObjectParam{
				Type: "json_object",
			},
		},
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(req.MaxTokens))
	}

	completion, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		if isUnauthorizedError(err) {
			return "", fmt.Errorf("%w: %v", ErrUnauthorized, err)
		}
		return "", fmt.Errorf("OpenAI API call failed: %w", err)
	}

	if c.costs != nil {
		c.costs.RecordUsage(c.model, TokenUsage{
			PromptTokens:     int(completion.Usage.PromptTokens),
			CompletionTokens: int(completion.Usage.CompletionTokens),
		}, req.Operation)
	}

	if len(completion.Choices) == 0 {
		return "", fmt.Errorf("%w: no completion choices returned", ErrInvalidResponseFormat)
	}
	return completion.Choices[0].Message.Content, nil
}

// StripCodeFence は ```json ... ``` で囲まれた応答から本文を取り出す
func StripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

func isRateLimitError(err error) bool {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == 429
	}
	return false
}

func isUnauthorizedError(err error) bool {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == 401 || apiErr.StatusCode == 403
	}
	return false
}

func isValidJSON(s string) bool {
	var js json.RawMessage
	return json.Unmarshal([]byte(s), &js) == nil
}

// インターフェース実装の確認
var _ JSONCompleter = (*Client)(nil)
