package entity

import (
	"time"

	"gorm.io/datatypes"
)

// SchedulerHeartbeat 调度器实例心跳，Go 调度器与遗留调度器共用此表
type SchedulerHeartbeat struct {
	ID            int64          `gorm:"column:id;primaryKey;autoIncrement"`
	InstanceID    string         `gorm:"column:instanceId;type:varchar(100);not null;uniqueIndex"`
	InstanceType  string         `gorm:"column:instanceType;type:varchar(20);not null"`
	Hostname      string         `gorm:"column:hostname;type:varchar(255)"`
	Port          int            `gorm:"column:port"`
	PID           int            `gorm:"column:pid"`
	IsLeader      bool           `gorm:"column:isLeader;not null;default:false"`
	LastHeartbeat time.Time      `gorm:"column:lastHeartbeat;not null;index"`
	Version       string         `gorm:"column:version;type:varchar(50)"`
	Metadata      datatypes.JSON `gorm:"column:metadata;type:json"`
	CreatedAt     time.Time      `gorm:"column:createdAt;autoCreateTime"`
	UpdatedAt     time.Time      `gorm:"column:updatedAt;autoUpdateTime"`
}

// TableName 指定表名
func (SchedulerHeartbeat) TableName() string {
	return "SchedulerHeartbeat"
}

// HeartbeatAge 心跳记录及其年龄（由数据库时钟计算，避免实例间时钟偏差）
type HeartbeatAge struct {
	SchedulerHeartbeat
	Age time.Duration `gorm:"-"`
}
