package service

import (
	"context"
	"time"

	"github.com/ignatij/leaseflow/pkg/events"
	"github.com/ignatij/leaseflow/pkg/models"
	"github.com/ignatij/leaseflow/pkg/storage"
	"github.com/pkg/errors"
)

const DefaultMaxRetries = 3

// NewTask is a submission to the admission gate.
type NewTask struct {
	ID                   string
	IdempotencyKey       string
	TaskType             string
	Payload              models.Payload
	Priority             int
	RequiredCapabilities models.Capabilities
	MaxRetries           *int
	Status               models.TaskStatus
}

// TaskCreationResult reports which task a submission resolved to.
type TaskCreationResult struct {
	IsNewTask      bool      `json:"is_new_task" yaml:"is_new_task"`
	TaskID         string    `json:"task_id" yaml:"task_id"`
	DuplicateOf    string    `json:"duplicate_of,omitempty" yaml:"duplicate_of,omitempty"`
	IdempotencyKey string    `json:"idempotency_key" yaml:"idempotency_key"`
	CreatedAt      time.Time `json:"created_at" yaml:"created_at"`
}

// AdmissionService creates tasks exactly once per idempotency key.
type AdmissionService struct {
	deps Deps
}

func NewAdmissionService(deps Deps) *AdmissionService {
	return &AdmissionService{deps: deps.withDefaults()}
}

// CreateTask stores a new task unless one with the same idempotency key
// exists, in which case the existing task is returned. A lost insert race is
// resolved the same way.
func (s *AdmissionService) CreateTask(ctx context.Context, req NewTask) (TaskCreationResult, error) {
	if req.ID == "" {
		return TaskCreationResult{}, errors.Wrap(ErrInvalidArgument, "task id is required")
	}
	if req.IdempotencyKey == "" {
		return TaskCreationResult{}, errors.Wrap(ErrInvalidArgument, "idempotency key is required")
	}

	existing, err := s.deps.Store.GetTaskByIdempotencyKey(req.IdempotencyKey)
	if err == nil {
		return s.duplicate(req, existing), nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		s.deps.Logger.Errorf("Failed to look up idempotency key %s: %v", req.IdempotencyKey, err)
		return TaskCreationResult{}, errors.Wrapf(err, "look up idempotency key %s", req.IdempotencyKey)
	}

	task := s.newTask(req)
	err = withTx(s.deps.Store, s.deps.Logger, "CreateTask", func(tx storage.Store) error {
		return tx.SaveTask(task)
	})
	if err != nil {
		if !errors.Is(err, storage.ErrDuplicateKey) {
			s.deps.Logger.Errorf("Failed to create task %s: %v", req.ID, err)
			return TaskCreationResult{}, errors.Wrapf(err, "create task %s", req.ID)
		}
		// lost the race to a concurrent submission with the same key
		winner, lookupErr := s.deps.Store.GetTaskByIdempotencyKey(req.IdempotencyKey)
		if lookupErr != nil {
			s.deps.Logger.Errorf("Unique violation for task %s but no task holds key %s: %v", req.ID, req.IdempotencyKey, lookupErr)
			return TaskCreationResult{}, errors.Wrapf(err, "create task %s", req.ID)
		}
		return s.duplicate(req, winner), nil
	}

	s.deps.Logger.Infof("Created task %s (type %s, key %s)", task.ID, task.TaskType, req.IdempotencyKey)
	s.deps.Events.Publish(events.EventTaskCreated, map[string]interface{}{
		"taskId":         task.ID,
		"idempotencyKey": req.IdempotencyKey,
		"taskType":       task.TaskType,
	})
	return TaskCreationResult{
		IsNewTask:      true,
		TaskID:         task.ID,
		IdempotencyKey: req.IdempotencyKey,
		CreatedAt:      task.CreatedAt,
	}, nil
}

func (s *AdmissionService) newTask(req NewTask) models.Task {
	now := s.deps.Clock.Now().UTC()
	maxRetries := DefaultMaxRetries
	if req.MaxRetries != nil {
		maxRetries = *req.MaxRetries
	}
	status := req.Status
	if status == "" {
		status = models.QueuedTaskStatus
	}
	payload := req.Payload
	if payload == nil {
		payload = models.Payload{}
	}
	caps := req.RequiredCapabilities
	if caps == nil {
		caps = models.Capabilities{}
	}
	return models.Task{
		ID:                   req.ID,
		IdempotencyKey:       models.StringPtr(req.IdempotencyKey),
		TaskType:             req.TaskType,
		Payload:              payload,
		Priority:             req.Priority,
		RequiredCapabilities: caps,
		Status:               status,
		MaxRetries:           maxRetries,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
}

func (s *AdmissionService) duplicate(req NewTask, existing models.Task) TaskCreationResult {
	requested := req.Payload
	if requested == nil {
		requested = models.Payload{}
	}
	samePayload := models.SamePayload(requested, existing.Payload)
	s.deps.Logger.Warnf("Duplicate submission for key %s: requested task %s, existing task %s (same payload: %t)",
		req.IdempotencyKey, req.ID, existing.ID, samePayload)
	s.deps.Events.Publish(events.EventDuplicateTaskPrevented, map[string]interface{}{
		"taskId":          existing.ID,
		"requestedTaskId": req.ID,
		"idempotencyKey":  req.IdempotencyKey,
		"samePayload":     samePayload,
	})
	return TaskCreationResult{
		IsNewTask:      false,
		TaskID:         existing.ID,
		DuplicateOf:    existing.ID,
		IdempotencyKey: req.IdempotencyKey,
		CreatedAt:      existing.CreatedAt,
	}
}
