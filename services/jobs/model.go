package jobs

import (
	"time"

	"gorm.io/datatypes"
)

type Status string

const (
	StatusRunning Status = "running"
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
)

// Job is an execution record for one background task run.
type Job struct {
	ID          string         `gorm:"column:id;primaryKey;size:32"`
	TaskType    string         `gorm:"column:task_type;index;size:100;not null"`
	TaskID      string         `gorm:"column:task_id;size:100"`
	Queue       string         `gorm:"column:queue;size:50"`
	Status      Status         `gorm:"column:status;size:20;not null;default:'running'"`
	ErrorMsg    string         `gorm:"column:error_msg;type:text"`
	StartedAt   time.Time      `gorm:"column:started_at;not null"`
	CompletedAt *time.Time     `gorm:"column:completed_at"`
	Payload     datatypes.JSON `gorm:"column:payload"`
	CreatedAt   time.Time      `gorm:"autoCreateTime"`
	UpdatedAt   time.Time      `gorm:"autoUpdateTime"`
}

func (Job) TableName() string { return "jobs" }

func (j *Job) Duration() time.Duration {
	if j.CompletedAt == nil {
		return 0
	}
	return j.CompletedAt.Sub(j.StartedAt)
}
