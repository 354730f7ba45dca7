package postgres

import (
	"encoding/json"
	"fmt"

	"github.com/jinford/exam-rag/internal/core/knowledge"
)

// KindsToText は出典種別を text[] パラメータに変換する（空の場合は全種別）
func KindsToText(kinds []knowledge.SourceKind) []string {
	if len(kinds) == 0 {
		kinds = knowledge.AllSourceKinds
	}
	out := make([]string, 0, len(kinds))
	for _, k := range kinds {
		out = append(out, string(k))
	}
	return out
}

// MetadataFromJSONB converts []byte (JSONB) to map[string]any
func MetadataFromJSONB(b []byte) (map[string]any, error) {
	if len(b) == 0 {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("failed to decode metadata: %w", err)
	}
	return m, nil
}

// JSONBFromMetadata converts map[string]any to []byte (JSONB)
func JSONBFromMetadata(m map[string]any) ([]byte, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to encode metadata: %w", err)
	}
	return b, nil
}

// StylePayloadFromJSONB converts []byte (JSONB) to knowledge.StylePayload
func StylePayloadFromJSONB(b []byte) (knowledge.StylePayload, error) {
	var p knowledge.StylePayload
	if len(b) == 0 {
		return p, nil
	}
	if err := json.Unmarshal(b, &p); err != nil {
		return p, fmt.Errorf("failed to decode style profile: %w", err)
	}
	return p, nil
}

// JSONBFromStylePayload converts knowledge.StylePayload to []byte (JSONB)
func JSONBFromStylePayload(p knowledge.StylePayload) ([]byte, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to encode style profile: %w", err)
	}
	return b, nil
}

// NonNilStrings は NULL ではなく空配列を保存するために nil を空スライスに変換する
func NonNilStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
