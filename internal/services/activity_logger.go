package services

import (
	"encoding/json"
	"fmt"
	"sync"

	"mailpush/internal/models"
	"mailpush/internal/pingsync"
	"mailpush/internal/repository"
	"mailpush/internal/utils"
)

// ActivityRecorder 活动日志服务
// 把推送相关的调度事件异步写入 activity_logs
type ActivityRecorder struct {
	repo   *repository.ActivityLogRepository
	logger *utils.Logger

	mu     sync.Mutex
	closed bool
	queue  chan *models.ActivityLog
	wg     sync.WaitGroup
}

// NewActivityRecorder creates a recorder and starts its writer.
func NewActivityRecorder(repo *repository.ActivityLogRepository) *ActivityRecorder {
	ar := &ActivityRecorder{
		repo:   repo,
		logger: utils.NewLogger("Activity"),
		queue:  make(chan *models.ActivityLog, 1000),
	}
	ar.wg.Add(1)
	go ar.processQueue()
	return ar
}

// Stop 停止活动日志处理器，等待队列写完
func (ar *ActivityRecorder) Stop() {
	ar.mu.Lock()
	if ar.closed {
		ar.mu.Unlock()
		return
	}
	ar.closed = true
	close(ar.queue)
	ar.mu.Unlock()
	ar.wg.Wait()
}

// processQueue 处理日志队列
func (ar *ActivityRecorder) processQueue() {
	defer ar.wg.Done()

	for log := range ar.queue {
		if err := ar.repo.Create(log); err != nil {
			// 记录错误但不中断处理
			ar.logger.Warn("Failed to save activity log: %v", err)
		}
	}
}

// Observe implements pingsync.Observer. Only transitions worth showing to
// users are recorded.
func (ar *ActivityRecorder) Observe(e pingsync.Event) {
	log := activityFromEvent(e)
	if log == nil {
		return
	}
	ar.enqueue(log)
}

// RecordLifecycle records the push service becoming busy or idle.
func (ar *ActivityRecorder) RecordLifecycle(running bool) {
	log := &models.ActivityLog{
		Type:   models.ActivityServiceIdle,
		Title:  "推送服务空闲",
		Status: "success",
	}
	if running {
		log.Type = models.ActivityServiceRunning
		log.Title = "推送服务启动"
	}
	ar.enqueue(log)
}

func (ar *ActivityRecorder) enqueue(log *models.ActivityLog) {
	ar.mu.Lock()
	defer ar.mu.Unlock()
	if ar.closed {
		return
	}
	select {
	case ar.queue <- log:
	default:
		ar.logger.Warn("Activity queue full, dropping %s", log.Type)
	}
}

func activityFromEvent(e pingsync.Event) *models.ActivityLog {
	accountID := uint(e.Account)
	log := &models.ActivityLog{
		AccountID: &accountID,
		Status:    "success",
	}

	switch e.Type {
	case pingsync.EventPushEnabled:
		log.Type = models.ActivityPushEnabled
		log.Title = "开启推送"
		log.Description = fmt.Sprintf("账户 %d 开启推送", e.Account)
	case pingsync.EventPushDisabled:
		log.Type = models.ActivityPushDisabled
		log.Title = "关闭推送"
		log.Description = fmt.Sprintf("账户 %d 关闭推送", e.Account)
	case pingsync.EventPingStarted:
		log.Type = models.ActivityPingStarted
		log.Title = "心跳开始"
		log.Description = fmt.Sprintf("账户 %d 的 ping %s 已启动", e.Account, e.WorkerID)
	case pingsync.EventPingEnded:
		log.Type = models.ActivityPingEnded
		log.Title = "心跳结束"
		if e.Outcome == pingsync.PingStopError.String() {
			log.Type = models.ActivityPingFailed
			log.Title = "心跳失败"
			log.Status = "failed"
		}
		log.Description = fmt.Sprintf("账户 %d 的 ping %s 结束: %s", e.Account, e.WorkerID, e.Outcome)
	case pingsync.EventSyncEnded:
		log.Type = models.ActivitySyncCompleted
		log.Title = "同步完成"
		if e.HadError {
			log.Type = models.ActivitySyncFailed
			log.Title = "同步失败"
			log.Status = "failed"
		}
		log.Description = fmt.Sprintf("账户 %d 同步结束，剩余 %d 个等待", e.Account, e.Pending)
	case pingsync.EventSyncAborted:
		log.Type = models.ActivitySyncAborted
		log.Title = "同步取消"
		log.Status = "failed"
		log.Description = fmt.Sprintf("账户 %d 的同步在开始前被取消", e.Account)
	case pingsync.EventRetryScheduled:
		log.Type = models.ActivityRetryScheduled
		log.Title = "计划重试"
		log.Status = "pending"
		log.Description = fmt.Sprintf("账户 %d 将在 %v 后重试", e.Account, e.RetryIn)
	default:
		return nil
	}

	if meta, err := json.Marshal(e); err == nil {
		log.Metadata = string(meta)
	}
	return log
}
