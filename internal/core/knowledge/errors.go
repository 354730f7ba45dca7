package knowledge

import "errors"

var (
	// ErrStoreUnavailable はナレッジストアに到達できない場合のエラー
	ErrStoreUnavailable = errors.New("knowledge store unavailable")

	// ErrSchemaMismatch はストアのスキーマが想定と異なる場合のエラー（拡張未導入など）
	ErrSchemaMismatch = errors.New("knowledge store schema mismatch")

	// ErrNotFound は対象レコードが存在しない場合のエラー
	ErrNotFound = errors.New("not found")
)
