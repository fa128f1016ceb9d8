package jobs

import (
	"context"
	"encoding/json"
	"time"

	"creator-payouts/pkg/db/option"
	"creator-payouts/pkg/repository"

	"github.com/bwmarrin/snowflake"
	"github.com/hibiken/asynq"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Service struct {
	db   *gorm.DB
	node *snowflake.Node
	jobs repository.Repository[Job]
	now  func() time.Time
}

type Params struct {
	fx.In
	DB   *gorm.DB
	Node *snowflake.Node
}

func NewService(p Params) *Service {
	return &Service{
		db:   p.DB,
		node: p.Node,
		jobs: repository.ProvideStore[Job](p.DB),
		now:  func() time.Time { return time.Now().UTC() },
	}
}

// Start records a running job for taskType.
func (s *Service) Start(ctx context.Context, taskType, taskID, queue string, payload []byte) (*Job, error) {
	if !json.Valid(payload) {
		payload = nil
	}

	job := &Job{
		ID:        s.node.Generate().String(),
		TaskType:  taskType,
		TaskID:    taskID,
		Queue:     queue,
		Status:    StatusRunning,
		StartedAt: s.now(),
		Payload:   datatypes.JSON(payload),
	}
	if err := s.jobs.Create(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

// Finish marks job as succeeded, or failed when runErr is set.
func (s *Service) Finish(ctx context.Context, job *Job, runErr error) error {
	now := s.now()
	job.CompletedAt = &now
	job.Status = StatusSuccess
	if runErr != nil {
		job.Status = StatusFailed
		job.ErrorMsg = runErr.Error()
	}

	return s.db.WithContext(ctx).Model(&Job{}).Where("id = ?", job.ID).Updates(map[string]any{
		"status":       job.Status,
		"error_msg":    job.ErrorMsg,
		"completed_at": now,
	}).Error
}

// Recent lists the latest runs of taskType, newest first.
func (s *Service) Recent(ctx context.Context, taskType string, limit int) ([]*Job, error) {
	return s.jobs.Find(ctx, &Job{TaskType: taskType},
		option.WithSortBy(option.QuerySortBy{SortBy: "started_at", OrderBy: "desc"}),
		option.WithLimit(limit),
	)
}

// Middleware records every task the asynq server runs. Failing to write
// the record never fails the task itself.
func (s *Service) Middleware(next asynq.Handler) asynq.Handler {
	return asynq.HandlerFunc(func(ctx context.Context, t *asynq.Task) error {
		taskID, _ := asynq.GetTaskID(ctx)
		queue, _ := asynq.GetQueueName(ctx)

		job, err := s.Start(ctx, t.Type(), taskID, queue, t.Payload())
		if err != nil {
			zap.L().Warn("failed to record job start", zap.String("task_type", t.Type()), zap.Error(err))
			return next.ProcessTask(ctx, t)
		}

		runErr := next.ProcessTask(ctx, t)
		if err := s.Finish(context.WithoutCancel(ctx), job, runErr); err != nil {
			zap.L().Warn("failed to record job result", zap.String("job_id", job.ID), zap.Error(err))
		}

		zap.L().Info("job finished",
			zap.String("job_id", job.ID),
			zap.String("task_type", t.Type()),
			zap.String("status", string(job.Status)),
			zap.Duration("duration", job.Duration()),
		)
		return runErr
	})
}
