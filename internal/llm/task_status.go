package llm

import "strings"

// TaskStatus 异步任务在服务商侧的状态
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusSucceeded TaskStatus = "succeeded"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCancelled TaskStatus = "cancelled"
)

// Terminal 服务商不会再改变该状态
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusSucceeded || s == TaskStatusFailed || s == TaskStatusCancelled
}

// vendorStatuses fal.ai 使用 IN_QUEUE/IN_PROGRESS/COMPLETED，deAPI 使用小写单词
var vendorStatuses = map[string]TaskStatus{
	"pending": TaskStatusPending, "queued": TaskStatusPending, "in_queue": TaskStatusPending,
	"created": TaskStatusPending, "waiting": TaskStatusPending,

	"running": TaskStatusRunning, "processing": TaskStatusRunning,
	"in_progress": TaskStatusRunning, "started": TaskStatusRunning,

	"succeeded": TaskStatusSucceeded, "success": TaskStatusSucceeded, "completed": TaskStatusSucceeded,
	"done": TaskStatusSucceeded, "finished": TaskStatusSucceeded,

	"failed": TaskStatusFailed, "failure": TaskStatusFailed, "error": TaskStatusFailed,

	"cancelled": TaskStatusCancelled, "canceled": TaskStatusCancelled, "aborted": TaskStatusCancelled,
}

// MapTaskStatus 归一化服务商状态。未知状态按运行中处理，由轮询超时兜底。
func MapTaskStatus(status string) TaskStatus {
	if mapped, ok := vendorStatuses[strings.ToLower(strings.TrimSpace(status))]; ok {
		return mapped
	}
	return TaskStatusRunning
}
