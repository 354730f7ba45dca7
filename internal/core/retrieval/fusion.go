package retrieval

import (
	"sort"

	"github.com/google/uuid"

	"github.com/jinford/exam-rag/internal/core/knowledge"
)

// DefaultRankConstant は RRF の順位定数 k の既定値
const DefaultRankConstant = 60

// FusionParams は Reciprocal Rank Fusion のパラメータ
type FusionParams struct {
	RankConstant  int
	VectorWeight  float64
	KeywordWeight float64
}

// DefaultFusionParams は重み 1 の素の RRF
func DefaultFusionParams() FusionParams {
	return FusionParams{
		RankConstant:  DefaultRankConstant,
		VectorWeight:  1.0,
		KeywordWeight: 1.0,
	}
}

func (p FusionParams) normalized() FusionParams {
	if p.RankConstant <= 0 {
		p.RankConstant = DefaultRankConstant
	}
	if p.VectorWeight <= 0 {
		p.VectorWeight = 1.0
	}
	if p.KeywordWeight <= 0 {
		p.KeywordWeight = 1.0
	}
	return p
}

// ScoredChunk は融合スコア付きのチャンク
// VectorRank / KeywordRank は各リストでの 1 始まりの順位（出現しない場合は 0）
type ScoredChunk struct {
	Chunk       *knowledge.Chunk
	Score       float64
	VectorRank  int
	KeywordRank int
}

// Fuse は 2 つの順位付きリストを RRF で統合する
//
// score(c) = Σ weight / (k + rank)。同点の場合は作成日時が新しいものを優先し、
// さらに同じ場合は ID の昇順とする。入力が同じなら出力は常に同じ順序になる。
func Fuse(vector, keyword []*knowledge.Chunk, params FusionParams) []*ScoredChunk {
	params = params.normalized()

	byID := make(map[uuid.UUID]*ScoredChunk, len(vector)+len(keyword))
	accumulate := func(list []*knowledge.Chunk, weight float64, setRank func(*ScoredChunk, int)) {
		seen := make(map[uuid.UUID]struct{}, len(list))
		rank := 0
		for _, c := range list {
			if c == nil {
				continue
			}
			// 同一リスト内の重複は最上位の順位のみ数える
			if _, dup := seen[c.ID]; dup {
				continue
			}
			seen[c.ID] = struct{}{}
			rank++

			sc, ok := byID[c.ID]
			if !ok {
				sc = &ScoredChunk{Chunk: c}
				byID[c.ID] = sc
			}
			sc.Score += weight / float64(params.RankConstant+rank)
			setRank(sc, rank)
		}
	}

	accumulate(vector, params.VectorWeight, func(sc *ScoredChunk, r int) { sc.VectorRank = r })
	accumulate(keyword, params.KeywordWeight, func(sc *ScoredChunk, r int) { sc.KeywordRank = r })

	fused := make([]*ScoredChunk, 0, len(byID))
	for _, sc := range byID {
		fused = append(fused, sc)
	}

	sort.Slice(fused, func(i, j int) bool {
		a, b := fused[i], fused[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if !a.Chunk.CreatedAt.Equal(b.Chunk.CreatedAt) {
			return a.Chunk.CreatedAt.After(b.Chunk.CreatedAt)
		}
		return a.Chunk.ID.String() < b.Chunk.ID.String()
	})

	return fused
}

// TopK は先頭 k 件を返す
func TopK(chunks []*ScoredChunk, k int) []*ScoredChunk {
	if k <= 0 || len(chunks) <= k {
		return chunks
	}
	return chunks[:k]
}
