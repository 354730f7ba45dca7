package database_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/jinford/exam-rag/internal/platform/database"
)

func TestSchema(t *testing.T) {
	ddl := database.Schema(1536)

	assert.NotContains(t, ddl, "{{DIMENSION}}")
	assert.Contains(t, ddl, "vector(1536)")
	assert.Contains(t, ddl, "source_filename TEXT NOT NULL UNIQUE")
	assert.Contains(t, ddl, "UNIQUE (name, source_filename)")
}

func TestLockID(t *testing.T) {
	assert.Equal(t, database.LockID("topics", "a.pdf"), database.LockID("topics", "a.pdf"))
	assert.NotEqual(t, database.LockID("topics", "a.pdf"), database.LockID("topics", "b.pdf"))
	// 区切りがあるため連結結果が同じでも衝突しない
	assert.NotEqual(t, database.LockID("ab", "c"), database.LockID("a", "bc"))
}
