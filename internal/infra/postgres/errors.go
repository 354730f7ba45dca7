package postgres

import (
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/jinford/exam-rag/internal/core/knowledge"
)

// classify は pgx のエラーをナレッジストアのエラー分類に変換する
//
//   - SQLSTATE クラス 42（未定義のテーブル・列・関数）や pgvector 未導入 → ErrSchemaMismatch
//   - 接続失敗・クラス 08 / 53 / 57 → ErrStoreUnavailable
//   - pgx.ErrNoRows → ErrNotFound
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("failed to %s: %w", op, knowledge.ErrNotFound)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case strings.HasPrefix(pgErr.Code, "42"):
			return fmt.Errorf("failed to %s: %w: %w", op, knowledge.ErrSchemaMismatch, err)
		case strings.HasPrefix(pgErr.Code, "08"),
			strings.HasPrefix(pgErr.Code, "53"),
			strings.HasPrefix(pgErr.Code, "57"):
			return fmt.Errorf("failed to %s: %w: %w", op, knowledge.ErrStoreUnavailable, err)
		}
		return fmt.Errorf("failed to %s: %w", op, err)
	}

	var connectErr *pgconn.ConnectError
	var netErr net.Error
	if errors.As(err, &connectErr) || errors.As(err, &netErr) || pgconn.Timeout(err) || pgconn.SafeToRetry(err) {
		return fmt.Errorf("failed to %s: %w: %w", op, knowledge.ErrStoreUnavailable, err)
	}
	return fmt.Errorf("failed to %s: %w", op, err)
}
