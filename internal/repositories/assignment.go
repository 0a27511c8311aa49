package repositories

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/omerlefaruk/CasareRPA-sub017/internal/db"
)

// gormAssignmentRepository is the GORM implementation of AssignmentRepository.
type gormAssignmentRepository struct {
	db *gorm.DB
}

// NewAssignmentRepository returns an AssignmentRepository backed by the
// provided *gorm.DB.
func NewAssignmentRepository(database *gorm.DB) AssignmentRepository {
	return &gormAssignmentRepository{db: database}
}

// CreateAssignment inserts a workflow-to-robot assignment. The pair is
// unique; duplicates return ErrConflict.
func (r *gormAssignmentRepository) CreateAssignment(ctx context.Context, a *db.WorkflowAssignment) error {
	if err := r.db.WithContext(ctx).Create(a).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return ErrConflict
		}
		return fmt.Errorf("assignments: create: %w", err)
	}
	return nil
}

// DeleteAssignment removes one workflow-to-robot assignment.
func (r *gormAssignmentRepository) DeleteAssignment(ctx context.Context, workflowID, robotID uuid.UUID) error {
	res := r.db.WithContext(ctx).
		Where("workflow_id = ? AND robot_id = ?", workflowID, robotID).
		Delete(&db.WorkflowAssignment{})
	if res.Error != nil {
		return fmt.Errorf("assignments: delete: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ListAssignmentsByWorkflow returns all assignments for a workflow, default
// first, then by priority.
func (r *gormAssignmentRepository) ListAssignmentsByWorkflow(ctx context.Context, workflowID uuid.UUID) ([]db.WorkflowAssignment, error) {
	var out []db.WorkflowAssignment
	if err := r.db.WithContext(ctx).
		Where("workflow_id = ?", workflowID).
		Order("is_default DESC").Order("priority DESC").
		Find(&out).Error; err != nil {
		return nil, fmt.Errorf("assignments: list by workflow: %w", err)
	}
	return out, nil
}

// ListAssignmentsByRobot returns all assignments naming the robot. The claim
// path uses this to build the robot's workflow eligibility set.
func (r *gormAssignmentRepository) ListAssignmentsByRobot(ctx context.Context, robotID uuid.UUID) ([]db.WorkflowAssignment, error) {
	var out []db.WorkflowAssignment
	if err := r.db.WithContext(ctx).
		Where("robot_id = ?", robotID).
		Find(&out).Error; err != nil {
		return nil, fmt.Errorf("assignments: list by robot: %w", err)
	}
	return out, nil
}

// DeleteAssignmentsByRobot removes all assignments naming the robot. Called
// when a robot is deregistered.
func (r *gormAssignmentRepository) DeleteAssignmentsByRobot(ctx context.Context, robotID uuid.UUID) error {
	if err := r.db.WithContext(ctx).
		Where("robot_id = ?", robotID).
		Delete(&db.WorkflowAssignment{}).Error; err != nil {
		return fmt.Errorf("assignments: delete by robot: %w", err)
	}
	return nil
}

// UpsertOverride creates or replaces the override for (workflow, node).
func (r *gormAssignmentRepository) UpsertOverride(ctx context.Context, o *db.NodeRobotOverride) error {
	if err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "workflow_id"}, {Name: "node_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"robot_id", "required_caps", "updated_at"}),
		}).
		Create(o).Error; err != nil {
		return fmt.Errorf("assignments: upsert override: %w", err)
	}
	return nil
}

// DeleteOverride removes the override for (workflow, node).
func (r *gormAssignmentRepository) DeleteOverride(ctx context.Context, workflowID uuid.UUID, nodeID string) error {
	res := r.db.WithContext(ctx).
		Where("workflow_id = ? AND node_id = ?", workflowID, nodeID).
		Delete(&db.NodeRobotOverride{})
	if res.Error != nil {
		return fmt.Errorf("assignments: delete override: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ListOverridesByWorkflow returns all node overrides for a workflow.
func (r *gormAssignmentRepository) ListOverridesByWorkflow(ctx context.Context, workflowID uuid.UUID) ([]db.NodeRobotOverride, error) {
	var out []db.NodeRobotOverride
	if err := r.db.WithContext(ctx).
		Where("workflow_id = ?", workflowID).
		Order("node_id ASC").
		Find(&out).Error; err != nil {
		return nil, fmt.Errorf("assignments: list overrides: %w", err)
	}
	return out, nil
}
