package repository

import (
	"encoding/json"

	"mailpush/internal/models"

	"gorm.io/gorm"
)

type ActivityLogRepository struct {
	db *gorm.DB
}

func NewActivityLogRepository(db *gorm.DB) *ActivityLogRepository {
	return &ActivityLogRepository{db: db}
}

// Create 创建活动日志
func (r *ActivityLogRepository) Create(log *models.ActivityLog) error {
	return r.db.Create(log).Error
}

// CreateBatch 批量写入活动日志
func (r *ActivityLogRepository) CreateBatch(logs []*models.ActivityLog) error {
	if len(logs) == 0 {
		return nil
	}
	return r.db.Create(logs).Error
}

// GetRecentActivities 获取最近的活动记录
func (r *ActivityLogRepository) GetRecentActivities(accountID *uint, limit int) ([]models.ActivityLog, error) {
	var activities []models.ActivityLog
	query := r.db.Order("created_at DESC").Order("id DESC").Limit(limit)

	if accountID != nil {
		query = query.Where("account_id = ?", *accountID)
	}

	err := query.Find(&activities).Error
	return activities, err
}

// LogActivity 便捷方法：记录活动
func (r *ActivityLogRepository) LogActivity(activityType models.ActivityType, title, description string, accountID *uint, status string, metadata interface{}) error {
	log := &models.ActivityLog{
		Type:        activityType,
		Title:       title,
		Description: description,
		AccountID:   accountID,
		Status:      status,
	}

	if metadata != nil {
		metadataJSON, err := json.Marshal(metadata)
		if err != nil {
			return err
		}
		log.Metadata = string(metadataJSON)
	}

	return r.Create(log)
}
