// Package handlers implements the task endpoints. The tracker is the
// source of truth for tasks; assignment is always random over non-manager
// accounts, and every mutation is committed before it is announced.
package handlers

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"taskexchange/pkg/auth"
	"taskexchange/pkg/events"
	"taskexchange/pkg/logging"
	"taskexchange/pkg/middleware"
	"taskexchange/pkg/models"
)

// EventPublisher is the slice of the Kafka producer the handlers need.
type EventPublisher interface {
	PublishEvent(ctx context.Context, topic, key string, env events.Envelope) error
}

const uniqueViolation = "23505"

var (
	db        *sql.DB
	logger    logging.Logger
	publisher EventPublisher
)

// Init initializes the handlers with their dependencies
func Init(database *sql.DB, log logging.Logger, pub EventPublisher) {
	db = database
	logger = log
	publisher = pub
}

// CreateTask creates a task assigned to a random non-manager account.
// Duplicate titles are a 409.
func CreateTask(c middleware.Context) {
	var req models.CreateTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, middleware.H{"error": err.Error()})
		return
	}

	assignee, err := randomAssignee(c.Request.Context())
	if err == errNoAssignees {
		c.JSON(http.StatusConflict, middleware.H{"error": "No accounts eligible for assignment"})
		return
	}
	if err != nil {
		logger.WithError(err).Error("Failed to pick assignee")
		c.JSON(http.StatusInternalServerError, middleware.H{"error": "Internal server error"})
		return
	}

	task := models.Task{
		PublicID:    uuid.NewString(),
		Title:       req.Title,
		Description: req.Description,
		JiraID:      req.JiraID,
		AssignedTo:  assignee,
		Status:      models.TaskStatusOpen,
	}

	err = db.QueryRow(`
		INSERT INTO tracker_tasks (public_id, title, description, jira_id, assigned_to, status)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at
	`, task.PublicID, task.Title, task.Description, task.JiraID, task.AssignedTo, task.Status).Scan(&task.CreatedAt)

	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		c.JSON(http.StatusConflict, middleware.H{"error": "Task title already exists"})
		return
	}
	if err != nil {
		logger.WithError(err).WithField("title", req.Title).Error("Failed to create task")
		c.JSON(http.StatusInternalServerError, middleware.H{"error": "Internal server error"})
		return
	}

	announceTaskAdded(c.Request.Context(), task)
	announceTaskAssigned(c.Request.Context(), task.PublicID, task.AssignedTo)

	c.JSON(http.StatusCreated, task)
}

// ShuffleTasks reassigns every open task to a random non-manager account
// and announces each new assignment.
func ShuffleTasks(c middleware.Context) {
	ctx := c.Request.Context()

	assignees, err := eligibleAssignees(ctx)
	if err != nil {
		logger.WithError(err).Error("Failed to list assignees")
		c.JSON(http.StatusInternalServerError, middleware.H{"error": "Internal server error"})
		return
	}
	if len(assignees) == 0 {
		c.JSON(http.StatusConflict, middleware.H{"error": "No accounts eligible for assignment"})
		return
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		logger.WithError(err).Error("Failed to begin shuffle transaction")
		c.JSON(http.StatusInternalServerError, middleware.H{"error": "Internal server error"})
		return
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT public_id FROM tracker_tasks WHERE status = $1 FOR UPDATE
	`, models.TaskStatusOpen)
	if err != nil {
		logger.WithError(err).Error("Failed to list open tasks")
		c.JSON(http.StatusInternalServerError, middleware.H{"error": "Internal server error"})
		return
	}

	var taskIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			logger.WithError(err).Error("Failed to scan task id")
			c.JSON(http.StatusInternalServerError, middleware.H{"error": "Internal server error"})
			return
		}
		taskIDs = append(taskIDs, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		logger.WithError(err).Error("Failed to iterate open tasks")
		c.JSON(http.StatusInternalServerError, middleware.H{"error": "Internal server error"})
		return
	}

	now := time.Now().UTC()
	assignments := make(map[string]string, len(taskIDs))
	for _, taskID := range taskIDs {
		assignee := assignees[rand.IntN(len(assignees))]
		if _, err := tx.ExecContext(ctx, `
			UPDATE tracker_tasks SET assigned_to = $1, updated_at = $2 WHERE public_id = $3
		`, assignee, now, taskID); err != nil {
			logger.WithError(err).WithField("task", taskID).Error("Failed to reassign task")
			c.JSON(http.StatusInternalServerError, middleware.H{"error": "Internal server error"})
			return
		}
		assignments[taskID] = assignee
	}

	if err := tx.Commit(); err != nil {
		logger.WithError(err).Error("Failed to commit shuffle")
		c.JSON(http.StatusInternalServerError, middleware.H{"error": "Internal server error"})
		return
	}

	for taskID, assignee := range assignments {
		announceTaskAssigned(ctx, taskID, assignee)
	}

	c.JSON(http.StatusOK, middleware.H{"shuffled": len(assignments)})
}

// CompleteTask closes a task. Only the current assignee may complete it,
// once.
func CompleteTask(c middleware.Context) {
	taskID := c.Param("public_id")
	callerID := auth.CallerID(c)

	var assignedTo, status string
	err := db.QueryRow(`
		SELECT assigned_to, status FROM tracker_tasks WHERE public_id = $1
	`, taskID).Scan(&assignedTo, &status)
	if err == sql.ErrNoRows {
		c.JSON(http.StatusNotFound, middleware.H{"error": "Task not found"})
		return
	}
	if err != nil {
		logger.WithError(err).WithField("task", taskID).Error("Failed to load task")
		c.JSON(http.StatusInternalServerError, middleware.H{"error": "Internal server error"})
		return
	}

	if assignedTo != callerID {
		c.JSON(http.StatusForbidden, middleware.H{"error": "Only the assignee can complete a task"})
		return
	}
	if status != models.TaskStatusOpen {
		c.JSON(http.StatusConflict, middleware.H{"error": "Task already completed"})
		return
	}

	res, err := db.Exec(`
		UPDATE tracker_tasks
		SET status = $1, updated_at = now()
		WHERE public_id = $2 AND status = $3
	`, models.TaskStatusCompleted, taskID, models.TaskStatusOpen)
	if err != nil {
		logger.WithError(err).WithField("task", taskID).Error("Failed to complete task")
		c.JSON(http.StatusInternalServerError, middleware.H{"error": "Internal server error"})
		return
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Lost a race with another completion attempt.
		c.JSON(http.StatusConflict, middleware.H{"error": "Task already completed"})
		return
	}

	announceTaskCompleted(c.Request.Context(), taskID)

	c.JSON(http.StatusOK, middleware.H{"public_id": taskID, "status": models.TaskStatusCompleted})
}

// ListTasks returns all tasks, optionally filtered by status.
func ListTasks(c middleware.Context) {
	listTasks(c, "", c.Query("status"))
}

// MyTasks returns the caller's tasks, optionally filtered by status.
func MyTasks(c middleware.Context) {
	listTasks(c, auth.CallerID(c), c.Query("status"))
}

func listTasks(c middleware.Context, assignedTo, status string) {
	rows, err := db.Query(`
		SELECT public_id, title, description, jira_id, assigned_to, status, created_at
		FROM tracker_tasks
		WHERE ($1 = '' OR assigned_to = $1) AND ($2 = '' OR status = $2)
		ORDER BY id DESC
	`, assignedTo, status)
	if err != nil {
		logger.WithError(err).Error("Failed to list tasks")
		c.JSON(http.StatusInternalServerError, middleware.H{"error": "Internal server error"})
		return
	}
	defer rows.Close()

	tasks := make([]models.Task, 0)
	for rows.Next() {
		var t models.Task
		if err := rows.Scan(&t.PublicID, &t.Title, &t.Description, &t.JiraID,
			&t.AssignedTo, &t.Status, &t.CreatedAt); err != nil {
			logger.WithError(err).Error("Failed to scan task")
			c.JSON(http.StatusInternalServerError, middleware.H{"error": "Internal server error"})
			return
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		logger.WithError(err).Error("Failed to iterate tasks")
		c.JSON(http.StatusInternalServerError, middleware.H{"error": "Internal server error"})
		return
	}

	c.JSON(http.StatusOK, tasks)
}

var errNoAssignees = errors.New("no accounts eligible for assignment")

func randomAssignee(ctx context.Context) (string, error) {
	var publicID string
	err := db.QueryRowContext(ctx, `
		SELECT public_id FROM tracker_accounts
		WHERE role = $1
		ORDER BY random()
		LIMIT 1
	`, models.RoleUser).Scan(&publicID)
	if err == sql.ErrNoRows {
		return "", errNoAssignees
	}
	if err != nil {
		return "", fmt.Errorf("pick random assignee: %w", err)
	}
	return publicID, nil
}

func eligibleAssignees(ctx context.Context) ([]string, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT public_id FROM tracker_accounts WHERE role = $1
	`, models.RoleUser)
	if err != nil {
		return nil, fmt.Errorf("list assignees: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan assignee: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func announceTaskAdded(ctx context.Context, task models.Task) {
	env, err := events.NewEnvelope(events.NameTaskAdded, 2, "tasktracker", events.TaskAddedV2{
		Title:        task.Title,
		Description:  task.Description,
		TaskPublicID: task.PublicID,
		AssignedTo:   task.AssignedTo,
		JiraID:       task.JiraID,
	})
	if err != nil {
		logger.WithError(err).Error("Failed to build TaskAdded event")
		return
	}
	if err := publisher.PublishEvent(ctx, events.TopicTasksStream, task.PublicID, env); err != nil {
		logger.WithError(err).WithField("task", task.PublicID).Error("Failed to publish TaskAdded")
	}
}

func announceTaskAssigned(ctx context.Context, taskID, assignedTo string) {
	env, err := events.NewEnvelope(events.NameTaskAssigned, 1, "tasktracker", events.TaskAssignedV1{
		TaskPublicID: taskID,
		AssignedTo:   assignedTo,
	})
	if err != nil {
		logger.WithError(err).Error("Failed to build TaskAssigned event")
		return
	}
	if err := publisher.PublishEvent(ctx, events.TopicTasksLifecycle, taskID, env); err != nil {
		logger.WithError(err).WithField("task", taskID).Error("Failed to publish TaskAssigned")
	}
}

func announceTaskCompleted(ctx context.Context, taskID string) {
	env, err := events.NewEnvelope(events.NameTaskCompleted, 1, "tasktracker", events.TaskCompletedV1{
		TaskPublicID: taskID,
	})
	if err != nil {
		logger.WithError(err).Error("Failed to build TaskCompleted event")
		return
	}
	if err := publisher.PublishEvent(ctx, events.TopicTasksLifecycle, taskID, env); err != nil {
		logger.WithError(err).WithField("task", taskID).Error("Failed to publish TaskCompleted")
	}
}
