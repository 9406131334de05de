package mysql

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"ejlog/scheduler/pkg/entity"
)

// HeartbeatRepository 心跳表访问
// 心跳时间与年龄均使用数据库时钟，和遗留调度器保持一致
type HeartbeatRepository struct {
	db *gorm.DB
}

// NewHeartbeatRepository 创建 HeartbeatRepository 实例
func NewHeartbeatRepository(db *gorm.DB) *HeartbeatRepository {
	return &HeartbeatRepository{db: db}
}

type heartbeatRow struct {
	entity.SchedulerHeartbeat
	AgeMicros int64 `gorm:"column:ageMicros"`
}

func (h heartbeatRow) toAge() entity.HeartbeatAge {
	age := time.Duration(h.AgeMicros) * time.Microsecond
	if age < 0 {
		age = 0
	}
	return entity.HeartbeatAge{SchedulerHeartbeat: h.SchedulerHeartbeat, Age: age}
}

const ageSelect = "*, TIMESTAMPDIFF(MICROSECOND, lastHeartbeat, NOW(6)) AS ageMicros"

// EnsureSchema 创建心跳表（已存在时补齐列和索引）
func (r *HeartbeatRepository) EnsureSchema(ctx context.Context) error {
	if err := r.db.WithContext(ctx).AutoMigrate(&entity.SchedulerHeartbeat{}); err != nil {
		return fmt.Errorf("failed to migrate SchedulerHeartbeat: %w", err)
	}
	return nil
}

// Upsert 写入或刷新本实例心跳，lastHeartbeat 取数据库当前时间
func (r *HeartbeatRepository) Upsert(ctx context.Context, hb *entity.SchedulerHeartbeat) error {
	values := map[string]interface{}{
		"instanceId":    hb.InstanceID,
		"instanceType":  hb.InstanceType,
		"hostname":      hb.Hostname,
		"port":          hb.Port,
		"pid":           hb.PID,
		"isLeader":      hb.IsLeader,
		"lastHeartbeat": gorm.Expr("NOW(6)"),
		"version":       hb.Version,
		"metadata":      hb.Metadata,
		"createdAt":     gorm.Expr("NOW(6)"),
		"updatedAt":     gorm.Expr("NOW(6)"),
	}

	result := r.db.WithContext(ctx).
		Model(&entity.SchedulerHeartbeat{}).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "instanceId"}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"instanceType":  hb.InstanceType,
				"hostname":      hb.Hostname,
				"port":          hb.Port,
				"pid":           hb.PID,
				"isLeader":      hb.IsLeader,
				"lastHeartbeat": gorm.Expr("NOW(6)"),
				"version":       hb.Version,
				"metadata":      hb.Metadata,
				"updatedAt":     gorm.Expr("NOW(6)"),
			}),
		}).
		Create(values)
	if result.Error != nil {
		return fmt.Errorf("failed to upsert heartbeat %s: %w", hb.InstanceID, result.Error)
	}
	return nil
}

// Delete 删除实例心跳（不存在时不报错）
func (r *HeartbeatRepository) Delete(ctx context.Context, instanceID string) error {
	result := r.db.WithContext(ctx).
		Where("instanceId = ?", instanceID).
		Delete(&entity.SchedulerHeartbeat{})
	if result.Error != nil {
		return fmt.Errorf("failed to delete heartbeat %s: %w", instanceID, result.Error)
	}
	return nil
}

// LatestByType 指定类型最近的一条心跳，没有记录时返回 nil
func (r *HeartbeatRepository) LatestByType(ctx context.Context, instanceType string) (*entity.HeartbeatAge, error) {
	var row heartbeatRow
	result := r.db.WithContext(ctx).
		Model(&entity.SchedulerHeartbeat{}).
		Select(ageSelect).
		Where("instanceType = ?", instanceType).
		Order("lastHeartbeat DESC").
		Take(&row)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if result.Error != nil {
		return nil, fmt.Errorf("failed to query %s heartbeat: %w", instanceType, result.Error)
	}
	hb := row.toAge()
	return &hb, nil
}

// ActiveInstances 心跳年龄小于 timeout 的实例，leader 优先
func (r *HeartbeatRepository) ActiveInstances(ctx context.Context, timeout time.Duration) ([]entity.HeartbeatAge, error) {
	var rows []heartbeatRow
	result := r.db.WithContext(ctx).
		Model(&entity.SchedulerHeartbeat{}).
		Select(ageSelect).
		Where("lastHeartbeat > NOW(6) - INTERVAL ? MICROSECOND", timeout.Microseconds()).
		Order("isLeader DESC, lastHeartbeat DESC").
		Find(&rows)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to query active instances: %w", result.Error)
	}

	out := make([]entity.HeartbeatAge, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toAge())
	}
	return out, nil
}

// DeleteOlderThan 清理超过 age 的心跳记录，keepInstanceID 对应的记录不删除
func (r *HeartbeatRepository) DeleteOlderThan(ctx context.Context, age time.Duration, keepInstanceID string) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("lastHeartbeat < NOW(6) - INTERVAL ? SECOND", int64(age.Seconds())).
		Where("instanceId <> ?", keepInstanceID).
		Delete(&entity.SchedulerHeartbeat{})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to cleanup heartbeats: %w", result.Error)
	}
	return result.RowsAffected, nil
}
