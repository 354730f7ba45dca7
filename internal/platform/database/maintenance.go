package database

import (
	"context"
	"log/slog"

	"github.com/jinford/exam-rag/internal/core/knowledge"
)

// Maintenance はファイル単位の整合性を保つ必要がある書き込みをトランザクション内で行う
type Maintenance struct {
	tx     *TransactionProvider
	logger *slog.Logger
}

// NewMaintenance は Maintenance を生成する
func NewMaintenance(tx *TransactionProvider, logger *slog.Logger) *Maintenance {
	if logger == nil {
		logger = slog.Default()
	}
	return &Maintenance{tx: tx, logger: logger}
}

var (
	_ knowledge.TopicReplacer  = (*Maintenance)(nil)
	_ knowledge.FileRepository = (*Maintenance)(nil)
)

// ReplaceTopics はファイルのトピックを削除してから挿入し直す
// 同じファイルへの並行した置き換えはアドバイザリロックで直列化される
func (m *Maintenance) ReplaceTopics(ctx context.Context, filename string, names []string) (int, error) {
	return Transact(ctx, m.tx, func(a *Adapter) (int, error) {
		if err := a.Locks.Acquire(ctx, "topics", filename); err != nil {
			return 0, err
		}
		if _, err := a.Topics.DeleteByFilename(ctx, filename); err != nil {
			return 0, err
		}
		return a.Topics.InsertTopics(ctx, filename, names)
	})
}

// DeleteFile はファイルに紐づくチャンク・トピック・文体プロファイルを一括削除する
func (m *Maintenance) DeleteFile(ctx context.Context, filename string) (*knowledge.DeleteResult, error) {
	result, err := Transact(ctx, m.tx, func(a *Adapter) (*knowledge.DeleteResult, error) {
		if err := a.Locks.Acquire(ctx, "topics", filename); err != nil {
			return nil, err
		}

		res := &knowledge.DeleteResult{}
		var err error
		if res.Chunks, err = a.Chunks.DeleteByFilename(ctx, filename); err != nil {
			return nil, err
		}
		if res.Topics, err = a.Topics.DeleteByFilename(ctx, filename); err != nil {
			return nil, err
		}
		if res.StyleProfiles, err = a.Styles.DeleteByFilename(ctx, filename); err != nil {
			return nil, err
		}
		return res, nil
	})
	if err != nil {
		return nil, err
	}

	m.logger.Info("File deleted",
		"filename", filename,
		"chunks", result.Chunks,
		"topics", result.Topics,
		"styleProfiles", result.StyleProfiles,
	)
	return result, nil
}
