package models

import (
	"time"
)

// ActivityType 定义活动类型
type ActivityType string

const (
	// 推送相关活动
	ActivityPushEnabled  ActivityType = "push_enabled"
	ActivityPushDisabled ActivityType = "push_disabled"
	ActivityPingStarted  ActivityType = "ping_started"
	ActivityPingEnded    ActivityType = "ping_ended"
	ActivityPingFailed   ActivityType = "ping_failed"

	// 同步相关活动
	ActivitySyncCompleted  ActivityType = "sync_completed"
	ActivitySyncFailed     ActivityType = "sync_failed"
	ActivitySyncAborted    ActivityType = "sync_aborted"
	ActivityRetryScheduled ActivityType = "retry_scheduled"

	// 服务生命周期
	ActivityServiceRunning ActivityType = "service_running"
	ActivityServiceIdle    ActivityType = "service_idle"

	// 通用活动类型
	ActivityTypeGeneral ActivityType = "general"
)

// ActivityLog 活动日志模型
type ActivityLog struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`

	Type        ActivityType `gorm:"type:varchar(50);not null;index" json:"type"`
	Title       string       `gorm:"type:varchar(255);not null" json:"title"`
	Description string       `gorm:"type:text" json:"description"`

	// 可选的关联账户
	AccountID *uint `gorm:"index" json:"account_id,omitempty"`

	// 额外的元数据（JSON格式）
	Metadata string `gorm:"type:text" json:"metadata,omitempty"`

	// 活动状态: success, failed, pending
	Status string `gorm:"type:varchar(50);default:'success'" json:"status"`
}
