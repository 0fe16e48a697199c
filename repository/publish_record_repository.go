package repository

import (
	"context"

	"AirbandBridge/model"

	"gorm.io/gorm"
)

// PublishRecordRepository 发布台账数据访问接口
type PublishRecordRepository interface {
	Create(ctx context.Context, record *model.PublishRecord) error
	Recent(ctx context.Context, limit int) ([]*model.PublishRecord, error)
	ByFrequency(ctx context.Context, frequencyHz int64, limit int) ([]*model.PublishRecord, error)
	CountByState(ctx context.Context) (map[string]int64, error)
}

// gormPublishRecordRepository GORM 实现
type gormPublishRecordRepository struct {
	db *gorm.DB
}

// NewGormPublishRecordRepository 创建 GORM 台账仓库
func NewGormPublishRecordRepository(db *gorm.DB) PublishRecordRepository {
	return &gormPublishRecordRepository{db: db}
}

// Create 写入一条记录
func (r *gormPublishRecordRepository) Create(ctx context.Context, record *model.PublishRecord) error {
	return r.db.WithContext(ctx).Create(record).Error
}

// Recent 最近的记录，新的在前
func (r *gormPublishRecordRepository) Recent(ctx context.Context, limit int) ([]*model.PublishRecord, error) {
	var records []*model.PublishRecord
	err := r.db.WithContext(ctx).
		Order("created_at DESC, id DESC").
		Limit(limit).
		Find(&records).Error
	return records, err
}

// ByFrequency 某个频点最近的记录
func (r *gormPublishRecordRepository) ByFrequency(ctx context.Context, frequencyHz int64, limit int) ([]*model.PublishRecord, error) {
	var records []*model.PublishRecord
	err := r.db.WithContext(ctx).
		Where("frequency_hz = ?", frequencyHz).
		Order("created_at DESC, id DESC").
		Limit(limit).
		Find(&records).Error
	return records, err
}

// CountByState 按终态统计
func (r *gormPublishRecordRepository) CountByState(ctx context.Context) (map[string]int64, error) {
	var rows []struct {
		State string
		Total int64
	}
	err := r.db.WithContext(ctx).
		Model(&model.PublishRecord{}).
		Select("state, COUNT(*) AS total").
		Group("state").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	counts := make(map[string]int64, len(rows))
	for _, row := range rows {
		counts[row.State] = row.Total
	}
	return counts, nil
}
