package dispatcher

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/omerlefaruk/CasareRPA-sub017/internal/db"
	"github.com/omerlefaruk/CasareRPA-sub017/internal/queue"
	"github.com/omerlefaruk/CasareRPA-sub017/internal/repositories"
	"github.com/omerlefaruk/CasareRPA-sub017/internal/transport"
)

// Dispatcher implements transport.Handler: inbound robot frames land here
// and are bridged to the queue and registry.
var _ transport.Handler = (*Dispatcher)(nil)

// OnHeartbeat records robot liveness and renews the lease of every job the
// robot reports holding.
func (d *Dispatcher) OnHeartbeat(ctx context.Context, robotID uuid.UUID, p transport.HeartbeatPayload) {
	d.metrics.FramesReceived.WithLabelValues(transport.MsgHeartbeat.String()).Inc()
	if err := d.registry.Heartbeat(ctx, robotID, p.Metrics); err != nil {
		d.logger.Error("heartbeat update failed",
			zap.String("robot_id", robotID.String()), zap.Error(err))
		return
	}
	for _, raw := range p.JobIDs {
		jobID, err := uuid.Parse(raw)
		if err != nil {
			continue
		}
		if err := d.queue.Heartbeat(ctx, jobID, robotID); err != nil {
			if errors.Is(err, repositories.ErrLeaseLost) {
				// The lease moved on; tell the robot to stop working on it.
				_ = d.transport.SendCancel(robotID, jobID, "lease lost")
				continue
			}
			d.logger.Error("lease renewal failed",
				zap.String("job_id", jobID.String()), zap.Error(err))
		}
	}
}

// OnAccept confirms an ASSIGN: the job transitions to running.
func (d *Dispatcher) OnAccept(ctx context.Context, robotID, jobID uuid.UUID) {
	d.metrics.FramesReceived.WithLabelValues(transport.MsgAccept.String()).Inc()
	d.disarmAckTimer(jobID)
	if err := d.queue.MarkRunning(ctx, jobID, robotID); err != nil {
		if errors.Is(err, repositories.ErrLeaseLost) {
			_ = d.transport.SendCancel(robotID, jobID, "lease lost")
			return
		}
		d.logger.Error("mark running failed",
			zap.String("job_id", jobID.String()), zap.Error(err))
	}
}

// OnReject undoes the claim; the job returns to pending for another robot.
func (d *Dispatcher) OnReject(ctx context.Context, robotID, jobID uuid.UUID, reason string) {
	d.metrics.FramesReceived.WithLabelValues(transport.MsgReject.String()).Inc()
	d.disarmAckTimer(jobID)
	d.logger.Info("assignment rejected",
		zap.String("job_id", jobID.String()),
		zap.String("robot_id", robotID.String()),
		zap.String("reason", reason),
	)
	d.releaseClaim(ctx, jobID, robotID)
	d.Wake()
}

// OnProgress applies a lease-guarded progress update and persists any
// batched log lines.
func (d *Dispatcher) OnProgress(ctx context.Context, robotID uuid.UUID, msgID string, p transport.ProgressPayload) {
	d.metrics.FramesReceived.WithLabelValues(transport.MsgProgress.String()).Inc()
	jobID, err := uuid.Parse(p.JobID)
	if err != nil {
		return
	}

	if err := d.queue.UpdateProgress(ctx, jobID, robotID, p.Progress, p.CurrentNode, msgID); err != nil {
		if errors.Is(err, repositories.ErrLeaseLost) {
			_ = d.transport.SendCancel(robotID, jobID, "lease lost")
			return
		}
		d.logger.Error("progress update failed",
			zap.String("job_id", jobID.String()), zap.Error(err))
	}

	if len(p.Logs) > 0 {
		lines := make([]db.RobotLog, len(p.Logs))
		for i, l := range p.Logs {
			lines[i] = db.RobotLog{
				RobotID:   robotID,
				JobID:     &jobID,
				Timestamp: time.UnixMilli(l.Timestamp),
				Level:     l.Level,
				Message:   l.Message,
				Source:    l.Source,
				Extra:     l.Extra,
			}
		}
		if err := d.logs.BulkCreate(ctx, lines); err != nil {
			d.logger.Error("robot log insert failed",
				zap.String("job_id", jobID.String()), zap.Error(err))
		}
	}
}

// OnResult settles a terminal outcome. Redelivery against a settled job is
// absorbed by the queue, so the robot may replay RESULT safely.
func (d *Dispatcher) OnResult(ctx context.Context, robotID uuid.UUID, p transport.ResultPayload) {
	d.metrics.FramesReceived.WithLabelValues(transport.MsgResult.String()).Inc()
	jobID, err := uuid.Parse(p.JobID)
	if err != nil {
		return
	}
	d.disarmAckTimer(jobID)

	switch p.Status {
	case "completed":
		err = d.queue.Complete(ctx, jobID, robotID, p.Result)
	default:
		err = d.queue.Fail(ctx, jobID, robotID, queue.FailureReport{
			Message:   p.Error,
			Code:      p.ErrorCode,
			Stack:     p.Stack,
			Retryable: p.Retryable,
		})
	}
	if err != nil && !errors.Is(err, repositories.ErrLeaseLost) {
		d.logger.Error("result handling failed",
			zap.String("job_id", jobID.String()),
			zap.String("status", p.Status),
			zap.Error(err),
		)
	}
	d.Wake()
}

// OnCancelled records the robot's cancel acknowledgement.
func (d *Dispatcher) OnCancelled(ctx context.Context, robotID, jobID uuid.UUID) {
	d.metrics.FramesReceived.WithLabelValues(transport.MsgCancelled.String()).Inc()
	if err := d.queue.ConfirmCancelled(ctx, jobID, robotID); err != nil {
		d.logger.Error("cancel confirmation failed",
			zap.String("job_id", jobID.String()), zap.Error(err))
	}
	d.Wake()
}

// OnSessionClosed is informational: robot offline detection is driven by
// the heartbeat cutoff, not by session lifetime, so a quick reconnect does
// not flap the robot's status.
func (d *Dispatcher) OnSessionClosed(robotID uuid.UUID) {
	d.logger.Info("robot session closed", zap.String("robot_id", robotID.String()))
}
