package database

import (
	"context"
	_ "embed"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var schemaSQL string

// Schema は埋め込み次元を置換したスキーマ DDL を返す
func Schema(dimension int) string {
	return strings.ReplaceAll(schemaSQL, "{{DIMENSION}}", strconv.Itoa(dimension))
}

// Migrate はスキーマを冪等に適用します
func Migrate(ctx context.Context, pool *pgxpool.Pool, dimension int) error {
	if dimension <= 0 {
		return fmt.Errorf("invalid embedding dimension: %d", dimension)
	}
	if _, err := pool.Exec(ctx, Schema(dimension)); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}
