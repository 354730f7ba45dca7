package openai

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"gopkg.in/yaml.v3"
)

// ErrBudgetExceeded は設定されたコスト上限に達した場合のエラー
var ErrBudgetExceeded = errors.New("LLM cost budget exceeded")

// ModelPricing はモデルごとの価格情報
type ModelPricing struct {
	InputPricePer1kTokens  float64 `yaml:"input_price_per_1k_tokens"`
	OutputPricePer1kTokens float64 `yaml:"output_price_per_1k_tokens"`
	Description            string  `yaml:"description"`
}

// PricingConfig は価格設定ファイルの構造
type PricingConfig struct {
	Models     map[string]ModelPricing `yaml:"models"`
	CostLimits struct {
		// MaxCost に達すると以降の呼び出しは ErrBudgetExceeded になる（0 は無制限）
		MaxCost          float64 `yaml:"max_cost"`
		WarningThreshold float64 `yaml:"warning_threshold"`
	} `yaml:"cost_limits"`
}

// TokenUsage はトークン使用量
type TokenUsage struct {
	PromptTokens     int
	CompletionTokens int
}

// CostTracker はLLM APIのコストを集計する
type CostTracker struct {
	mu             sync.RWMutex
	config         *PricingConfig
	totalCost      float64
	costsByModel   map[string]float64
	tokensByModel  map[string]TokenUsage
	requestsByType map[string]int
	warned         bool
	logger         *slog.Logger
}

// LoadCostTracker は YAML の価格設定ファイルから CostTracker を作成する
func LoadCostTracker(path string, logger *slog.Logger) (*CostTracker, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read pricing config: %w", err)
	}

	var config PricingConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse pricing config: %w", err)
	}
	return NewCostTracker(&config, logger), nil
}

// NewCostTracker は設定を直接指定して CostTracker を作成する
func NewCostTracker(config *PricingConfig, logger *slog.Logger) *CostTracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &CostTracker{
		config:         config,
		costsByModel:   make(map[string]float64),
		tokensByModel:  make(map[string]TokenUsage),
		requestsByType: make(map[string]int),
		logger:         logger,
	}
}

// CalculateCost はトークン使用量からコストを計算する
func (ct *CostTracker) CalculateCost(model string, usage TokenUsage) (float64, error) {
	pricing, ok := ct.config.Models[model]
	if !ok {
		return 0, fmt.Errorf("pricing not found for model: %s", model)
	}
	inputCost := float64(usage.PromptTokens) / 1000.0 * pricing.InputPricePer1kTokens
	outputCost := float64(usage.CompletionTokens) / 1000.0 * pricing.OutputPricePer1kTokens
	return inputCost + outputCost, nil
}

// CheckBudget は上限に達していれば ErrBudgetExceeded を返す
func (ct *CostTracker) CheckBudget() error {
	ct.mu.RLock()
	defer ct.mu.RUnlock()
	if limit := ct.config.CostLimits.MaxCost; limit > 0 && ct.totalCost >= limit {
		return fmt.Errorf("%w: $%.4f >= $%.4f", ErrBudgetExceeded, ct.totalCost, limit)
	}
	return nil
}

// RecordUsage は使用量とコストを記録する
// 価格未登録のモデルはトークン数のみ記録する
func (ct *CostTracker) RecordUsage(model string, usage TokenUsage, requestType string) {
	cost, err := ct.CalculateCost(model, usage)
	if err != nil {
		ct.logger.Warn("Unable to price LLM usage", "model", model, "error", err)
	}

	ct.mu.Lock()
	defer ct.mu.Unlock()

	ct.totalCost += cost
	ct.costsByModel[model] += cost

	existing := ct.tokensByModel[model]
	existing.PromptTokens += usage.PromptTokens
	existing.CompletionTokens += usage.CompletionTokens
	ct.tokensByModel[model] = existing
	ct.requestsByType[requestType]++

	limits := ct.config.CostLimits
	if !ct.warned && limits.WarningThreshold > 0 && ct.totalCost >= limits.WarningThreshold {
		ct.warned = true
		ct.logger.Warn("LLM cost warning threshold reached",
			"totalCost", ct.totalCost,
			"threshold", limits.WarningThreshold,
		)
	}
}

// TotalCost は総コストを返す
func (ct *CostTracker) TotalCost() float64 {
	ct.mu.RLock()
	defer ct.mu.RUnlock()
	return ct.totalCost
}

// TokensByModel はモデル別のトークン使用量を返す
func (ct *CostTracker) TokensByModel() map[string]TokenUsage {
	ct.mu.RLock()
	defer ct.mu.RUnlock()

	result := make(map[string]TokenUsage, len(ct.tokensByModel))
	for k, v := range ct.tokensByModel {
		result[k] = v
	}
	return result
}

// RequestsByType はリクエスト種別ごとの回数を返す
func (ct *CostTracker) RequestsByType() map[string]int {
	ct.mu.RLock()
	defer ct.mu.RUnlock()

	result := make(map[string]int, len(ct.requestsByType))
	for k, v := range ct.requestsByType {
		result[k] = v
	}
	return result
}
