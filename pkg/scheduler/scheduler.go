// Package scheduler fires the delayed resumes requested by WAIT nodes.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

var ErrNotStarted = errors.New("scheduler is not started")

// Job resumes one waiting node of one workflow instance at FireAt.
type Job struct {
	WorkflowID string    `json:"workflowId"`
	Node       string    `json:"node"`
	FireAt     time.Time `json:"fireAt"`
}

func (j Job) key() string {
	return j.WorkflowID + "/" + j.Node
}

type Scheduler interface {
	Schedule(ctx context.Context, job Job) error
}

// Resumer wakes a workflow instance parked on a scheduler wait.
type Resumer interface {
	ResumeScheduled(ctx context.Context, workflowID, node string) error
}

// once fires a single time at a fixed instant.
type once time.Time

func (o once) Next(t time.Time) time.Time {
	at := time.Time(o)
	if t.Before(at) {
		return at
	}

	return time.Time{}
}

// Cron keeps pending wait jobs in an in-process cron runner. Jobs do not
// survive a restart of the worker.
type Cron struct {
	resumer Resumer
	logger  *slog.Logger
	cron    *cron.Cron
	jobs    map[string]cron.EntryID
	mutex   sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	now     func() time.Time
}

func NewCron(resumer Resumer, logger *slog.Logger) *Cron {
	return &Cron{
		resumer: resumer,
		logger:  logger.With("module", "wait_scheduler"),
		jobs:    make(map[string]cron.EntryID),
		now:     time.Now,
	}
}

func (c *Cron) Start(ctx context.Context) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.cron != nil {
		return
	}

	c.ctx, c.cancel = context.WithCancel(ctx)

	cronLogger := &cronLogger{logger: c.logger}
	c.cron = cron.New(cron.WithLogger(cronLogger), cron.WithChain(cron.Recover(cronLogger)))
	c.cron.Start()

	c.logger.Info("Wait scheduler started")
}

// Schedule registers job, replacing any pending job for the same node of
// the same instance. Jobs already due fire right away.
func (c *Cron) Schedule(ctx context.Context, job Job) error {
	if job.WorkflowID == "" || job.Node == "" {
		return fmt.Errorf("invalid wait job %+v", job)
	}

	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.cron == nil {
		return ErrNotStarted
	}

	key := job.key()

	if previous, ok := c.jobs[key]; ok {
		c.cron.Remove(previous)
		delete(c.jobs, key)
	}

	logger := c.logger.With("workflow_id", job.WorkflowID, "node", job.Node, "fire_at", job.FireAt)

	if !job.FireAt.After(c.now()) {
		logger.InfoContext(ctx, "Wait job already due, firing now")

		go c.fire(job)

		return nil
	}

	var entryID cron.EntryID

	runner := c.cron

	entryID = runner.Schedule(once(job.FireAt), cron.FuncJob(func() {
		c.mutex.Lock()
		if c.jobs[key] == entryID {
			delete(c.jobs, key)
		}
		c.mutex.Unlock()

		runner.Remove(entryID)
		c.fire(job)
	}))

	c.jobs[key] = entryID

	logger.InfoContext(ctx, "Scheduled wait job", "entry_id", entryID)

	return nil
}

func (c *Cron) fire(job Job) {
	logger := c.logger.With("workflow_id", job.WorkflowID, "node", job.Node)

	err := c.resumer.ResumeScheduled(c.ctx, job.WorkflowID, job.Node)
	if err != nil {
		logger.Error("Failed to resume waiting workflow", "error", err)

		return
	}

	logger.Info("Resumed waiting workflow")
}

// Pending returns the number of jobs not yet fired.
func (c *Cron) Pending() int {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	return len(c.jobs)
}

// Stop drops pending jobs and waits for running ones to finish.
func (c *Cron) Stop() {
	c.mutex.Lock()
	runner, cancel := c.cron, c.cancel
	c.cron = nil
	c.jobs = make(map[string]cron.EntryID)
	c.mutex.Unlock()

	if runner == nil {
		return
	}

	<-runner.Stop().Done()
	cancel()

	c.logger.Info("Wait scheduler stopped")
}

type cronLogger struct {
	logger *slog.Logger
}

func (l *cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l *cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error(msg, append(keysAndValues, "error", err)...)
}
