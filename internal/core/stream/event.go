package stream

// EventType はイベント種別
type EventType string

const (
	EventProgress EventType = "progress"
	EventQuestion EventType = "question"
	EventDone     EventType = "done"
	EventError    EventType = "error"
)

// Stage はパイプラインの進捗段階
type Stage string

const (
	StageInit     Stage = "init"
	StageStyle    Stage = "style"
	StageResearch Stage = "research"
	StageDraft    Stage = "draft"
	StageCritique Stage = "critic"
	StageRevise   Stage = "revise"
	StageDedup    Stage = "dedup"
	StageApprove  Stage = "approve"
	StageReject   Stage = "reject"
	StageSkip     Stage = "skip"
	StageComplete Stage = "complete"
)

// Event はリスナーに配信されるイベント
// ワイヤ形式は {"type", "stage"?, "message"?, "data"?}
type Event struct {
	Type    EventType `json:"type"`
	Stage   Stage     `json:"stage,omitempty"`
	Message string    `json:"message,omitempty"`
	Data    any       `json:"data,omitempty"`
}

// IsTerminal は done / error のいずれかかを返す
func (e Event) IsTerminal() bool {
	return e.Type == EventDone || e.Type == EventError
}
