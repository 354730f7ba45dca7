package generation

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/google/uuid"

	"github.com/jinford/exam-rag/internal/core/dedup"
	"github.com/jinford/exam-rag/internal/core/knowledge"
	"github.com/jinford/exam-rag/internal/core/retrieval"
	"github.com/jinford/exam-rag/internal/core/stream"
	"github.com/jinford/exam-rag/internal/core/style"
)

// runSlot は 1 スロットを処理する
// 戻り値のエラーはリクエスト全体を終了させるもの（ストア障害・致命的エラー・キャンセル）に限る
func (r *run) runSlot(ctx context.Context, slot int, topic string) (SlotOutcome, error) {
	c := r.c
	outcome := SlotOutcome{Slot: slot, Topic: topic}
	label := fmt.Sprintf("question %d/%d", slot, r.req.Count)
	logger := c.logger.With("slot", slot, "topic", topic)

	// RESEARCH
	g, err := r.ground(ctx, topic, label)
	if err != nil {
		if isRequestFatal(err) || ctx.Err() != nil {
			return outcome, err
		}
		logger.Warn("Research failed, abandoning slot", "error", err)
		outcome.Status = SlotCollaboratorFailure
		outcome.Reason = "research failed: " + err.Error()
		return outcome, r.progress(ctx, stream.StageSkip, fmt.Sprintf("Skipping %s: research failed", label))
	}
	if g == nil {
		r.exhausted[topic] = true
		outcome.Status = SlotNoGrounding
		outcome.Reason = "no grounding material found"
		logger.Info("No grounding material, abandoning slot")
		return outcome, r.progress(ctx, stream.StageSkip, fmt.Sprintf("Skipping %s: no material found for %q", label, topic))
	}

	// STYLE
	sc, err := r.resolveStyle(ctx, topic, label)
	if err != nil {
		return outcome, err
	}

	// DRAFT → CRITIQUE → {REVISE | ACCEPT | REJECT} → DEDUP_CHECK → {EMIT | RETRY_SLOT}
	var (
		previous *Question
		feedback []string
	)
	for attempt := 1; attempt <= c.cfg.MaxDraftAttempts; attempt++ {
		outcome.Attempts = attempt
		if err := ctx.Err(); err != nil {
			return outcome, err
		}

		stage, verb := stream.StageDraft, "Drafting"
		if previous != nil {
			stage, verb = stream.StageRevise, "Revising"
		}
		if err := r.progress(ctx, stage, fmt.Sprintf("%s %s (attempt %d/%d)", verb, label, attempt, c.cfg.MaxDraftAttempts)); err != nil {
			return outcome, err
		}

		input := DraftInput{
			Topic:         topic,
			Difficulty:    r.req.Difficulty,
			Brief:         g.brief,
			Facts:         g.facts,
			Style:         sc.profile,
			StyleExamples: sc.examples,
			Avoid:         r.acceptedStems(),
			Previous:      previous,
			Feedback:      feedback,
		}
		candidate, err := withRetry(ctx, c, "draft", c.cfg.CollaboratorRetries, func(ctx context.Context) (*Question, error) {
			q, err := c.drafter.Draft(ctx, input)
			if err == nil && q == nil {
				err = errors.New("drafter returned no candidate")
			}
			return q, err
		})
		if err != nil {
			return r.collaboratorFailure(ctx, outcome, label, "draft", err)
		}
		candidate = candidate.Clone()
		candidate.Topic = topic
		candidate.Difficulty = r.req.Difficulty

		// CRITIQUE
		if err := r.progress(ctx, stream.StageCritique, fmt.Sprintf("Reviewing %s", label)); err != nil {
			return outcome, err
		}
		critique, err := withRetry(ctx, c, "critique", c.cfg.CollaboratorRetries, func(ctx context.Context) (*Critique, error) {
			cr, err := c.critic.Critique(ctx, CritiqueInput{
				Candidate:  candidate,
				Brief:      g.brief,
				Facts:      g.facts,
				Difficulty: r.req.Difficulty,
				MinScore:   c.cfg.MinQualityScore,
			})
			if err == nil && cr == nil {
				err = errors.New("critic returned no review")
			}
			return cr, err
		})
		if err != nil {
			return r.collaboratorFailure(ctx, outcome, label, "critique", err)
		}

		failed := r.applyCritique(candidate, critique)
		if len(failed) > 0 {
			logger.Info("Candidate did not pass critique",
				"attempt", attempt,
				"score", candidate.QualityScore,
				"failedChecks", failed,
			)
			previous = candidate
			feedback = r.revisionFeedback(candidate, critique, failed)
			if attempt == c.cfg.MaxDraftAttempts {
				outcome.Status = SlotRejected
				outcome.Reason = fmt.Sprintf("quality below threshold after %d attempts", attempt)
				return outcome, r.progress(ctx, stream.StageReject, fmt.Sprintf(
					"Rejected %s after %d attempts (score %.1f)", label, attempt, candidate.QualityScore,
				))
			}
			continue
		}

		// DEDUP_CHECK
		if err := r.progress(ctx, stream.StageDedup, fmt.Sprintf("Checking %s for duplicates", label)); err != nil {
			return outcome, err
		}
		verdict, err := withRetry(ctx, c, "dedup", c.cfg.CollaboratorRetries, func(ctx context.Context) (*dedup.Verdict, error) {
			v, err := c.dedup.Check(ctx, candidate.DedupText(), r.entries)
			if err == nil && v == nil {
				err = errors.New("duplicate checker returned no verdict")
			}
			return v, err
		})
		if err != nil {
			return r.collaboratorFailure(ctx, outcome, label, "dedup", err)
		}
		if verdict.Duplicate {
			logger.Info("Candidate is a duplicate", "attempt", attempt, "similarity", verdict.MaxSimilarity)
			// 重複時は改訂ではなく別の観点での再ドラフト
			previous = nil
			feedback = []string{fmt.Sprintf(
				"The previous draft was too similar to an already accepted question (similarity %.2f). Test a different fact or aspect of the topic.",
				verdict.MaxSimilarity,
			)}
			if attempt == c.cfg.MaxDraftAttempts {
				outcome.Status = SlotDuplicateExhausted
				outcome.Reason = fmt.Sprintf("every draft duplicated an accepted question after %d attempts", attempt)
				return outcome, r.progress(ctx, stream.StageReject, fmt.Sprintf("Rejected %s: duplicates exhausted", label))
			}
			continue
		}

		// EMIT
		if err := r.accept(ctx, candidate, verdict.Embedding); err != nil {
			return outcome, err
		}
		outcome.Status = SlotAccepted
		logger.Info("Question accepted", "attempt", attempt, "score", candidate.QualityScore)
		return outcome, nil
	}

	// MaxDraftAttempts >= 1 のためここには到達しない
	outcome.Status = SlotRejected
	return outcome, nil
}

// ground はトピックの事実を取得する。結果はトピックごとにキャッシュされる
// 空の場合はクエリを緩和して 1 回だけ再検索し、それでも空なら nil を返す
func (r *run) ground(ctx context.Context, topic, label string) (*grounding, error) {
	if g, ok := r.research[topic]; ok {
		return g, nil
	}
	c := r.c

	if err := r.progress(ctx, stream.StageResearch, fmt.Sprintf("Researching %q for %s", topic, label)); err != nil {
		return nil, err
	}

	fetch := func(broad bool) ([]*knowledge.Chunk, error) {
		hits, err := withRetry(ctx, c, "research", researchRetries, func(ctx context.Context) ([]*retrieval.ScoredChunk, error) {
			return c.retriever.FetchFacts(ctx, topic, c.cfg.FactsTopK, broad)
		})
		if err != nil {
			return nil, err
		}
		return retrieval.Chunks(hits), nil
	}

	facts, err := fetch(false)
	if err != nil {
		return nil, err
	}
	if len(facts) == 0 {
		if err := r.progress(ctx, stream.StageResearch, fmt.Sprintf("No material for %q, retrying with a broader query", topic)); err != nil {
			return nil, err
		}
		facts, err = fetch(true)
		if err != nil {
			return nil, err
		}
		if len(facts) == 0 {
			return nil, nil
		}
	}

	brief := BriefFromFacts(topic, facts)
	if c.researcher != nil {
		distilled, err := withRetry(ctx, c, "distill", c.cfg.CollaboratorRetries, func(ctx context.Context) (*Brief, error) {
			return c.researcher.Research(ctx, ResearchInput{Topic: topic, Difficulty: r.req.Difficulty, Facts: facts})
		})
		switch {
		case err == nil && distilled != nil:
			if len(distilled.SourceReferences) == 0 {
				distilled.SourceReferences = brief.SourceReferences
			}
			brief = distilled
		case err != nil && (isPermanent(err) || ctx.Err() != nil):
			return nil, err
		case err != nil:
			c.logger.Warn("Research distillation failed, using raw facts", "topic", topic, "error", err)
		}
	}

	g := &grounding{facts: facts, brief: brief}
	r.research[topic] = g
	return g, nil
}

// resolveStyle はトピックの文体プロファイルと過去問例を取得する
// 抽出の失敗はデフォルトプロファイルで代替し、ストア障害と致命的エラーのみ返す
func (r *run) resolveStyle(ctx context.Context, topic, label string) (*styleContext, error) {
	if sc, ok := r.styles[topic]; ok {
		return sc, nil
	}
	c := r.c

	if err := r.progress(ctx, stream.StageStyle, fmt.Sprintf("Resolving exam style for %s", label)); err != nil {
		return nil, err
	}

	var (
		profile *knowledge.StyleProfile
		err     error
	)
	profile, err = withRetry(ctx, c, "style", researchRetries, func(ctx context.Context) (*knowledge.StyleProfile, error) {
		if r.req.ExamFilename.IsPresent() {
			return c.styles.Get(ctx, r.req.ExamFilename)
		}
		return c.styles.ForTopic(ctx, topic)
	})
	if err == nil && profile == nil {
		profile = style.DefaultProfile()
	}
	if err != nil {
		if isRequestFatal(err) || ctx.Err() != nil {
			return nil, err
		}
		c.logger.Warn("Style resolution failed, using default profile", "topic", topic, "error", err)
		profile = style.DefaultProfile()
	}

	var examples []*knowledge.Chunk
	if c.cfg.StyleExamplesTopK > 0 {
		hits, err := withRetry(ctx, c, "style examples", researchRetries, func(ctx context.Context) ([]*retrieval.ScoredChunk, error) {
			return c.retriever.FetchStyleExamples(ctx, topic, c.cfg.StyleExamplesTopK)
		})
		switch {
		case err == nil:
			examples = retrieval.Chunks(hits)
		case isRequestFatal(err) || ctx.Err() != nil:
			return nil, err
		default:
			c.logger.Warn("Style example retrieval failed", "topic", topic, "error", err)
		}
	}

	sc := &styleContext{profile: profile, examples: examples}
	r.styles[topic] = sc
	return sc, nil
}

// applyCritique は批評結果と構造チェックを候補に反映し、不合格の項目名を返す
func (r *run) applyCritique(candidate *Question, critique *Critique) []string {
	candidate.QualityScore = critique.Score

	checks := make(map[string]QualityCheck, len(critique.Checks)+4)
	for name, check := range critique.Checks {
		checks[name] = check
	}
	for name, check := range candidate.StructuralChecks() {
		checks[name] = check
	}
	for _, name := range RequiredChecks {
		if _, ok := checks[name]; !ok {
			checks[name] = QualityCheck{Passed: false, Detail: "not evaluated by critic"}
		}
	}
	approval := QualityCheck{Passed: critique.Approved, Detail: "approved by reviewer"}
	if !critique.Approved {
		approval.Detail = "reviewer did not approve the question"
	}
	checks[CheckCriticApproval] = approval
	candidate.QualityChecks = checks

	var failed []string
	for name, check := range checks {
		if !check.Passed {
			failed = append(failed, name)
		}
	}
	if critique.Score < r.c.cfg.MinQualityScore {
		failed = append(failed, "min_quality_score")
	}
	slices.Sort(failed)
	return failed
}

func (r *run) revisionFeedback(candidate *Question, critique *Critique, failed []string) []string {
	feedback := critique.Feedback()
	for _, name := range failed {
		if check, ok := candidate.QualityChecks[name]; ok && check.Detail != "" {
			feedback = append(feedback, fmt.Sprintf("%s: %s", name, check.Detail))
		}
	}
	if slices.Contains(failed, "min_quality_score") {
		feedback = append(feedback, fmt.Sprintf("Quality score %.1f is below the minimum of %.1f", candidate.QualityScore, r.c.cfg.MinQualityScore))
	}
	return feedback
}

func (r *run) accept(ctx context.Context, candidate *Question, embedding []float32) error {
	candidate.ID = uuid.New()
	r.accepted = append(r.accepted, candidate)
	r.entries = append(r.entries, dedup.Entry{Key: candidate.ID.String(), Embedding: embedding})

	if err := r.em.Question(ctx, candidate); err != nil {
		return fmt.Errorf("failed to emit question: %w", err)
	}

	if r.c.cfg.RememberAccepted {
		if err := r.c.dedup.Remember(ctx, candidate.Stem, candidate.Topic, embedding); err != nil {
			r.c.logger.Warn("Failed to persist question history", "error", err)
		}
	}
	return nil
}

func (r *run) acceptedStems() []string {
	stems := make([]string, 0, len(r.accepted))
	for _, q := range r.accepted {
		stems = append(stems, q.Stem)
	}
	return stems
}

// collaboratorFailure はドラフト・批評・重複判定の失敗を分類する
// リトライ後も失敗した一時的エラーはスロットの放棄、それ以外はリクエストの失敗とする
func (r *run) collaboratorFailure(ctx context.Context, outcome SlotOutcome, label, op string, err error) (SlotOutcome, error) {
	if isRequestFatal(err) || ctx.Err() != nil || errors.Is(err, context.Canceled) {
		return outcome, err
	}
	r.c.logger.Warn("Collaborator failed after retries, abandoning slot",
		"slot", outcome.Slot,
		"operation", op,
		"error", err,
	)
	outcome.Status = SlotCollaboratorFailure
	outcome.Reason = fmt.Sprintf("%s failed: %v", op, err)
	return outcome, r.progress(ctx, stream.StageSkip, fmt.Sprintf("Skipping %s: %s failed", label, op))
}
