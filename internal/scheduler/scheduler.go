// Package scheduler implements scheduled-job registration and dispatch
// (scheduler_add_cron/run_at/remove_cron/list_jobs), using
// github.com/robfig/cron/v3 for cron-expression parsing.
package scheduler

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/axrunhq/ax/internal/sessionstore"
)

// Delivery resolves where a job's output goes: a specific channel
// address, or "last" to resolve the agent's most recently seen session
// via internal/sessionstore, or "log" to just record it.
type Delivery struct {
	Target  string // channel name, "last", or "log"
	ChatID  string
	AgentID string
}

// Job is one scheduled unit of work.
type Job struct {
	ID       string
	AgentID  string
	Prompt   string
	Delivery Delivery
	RunOnce  bool
	cronID   cron.EntryID
}

// DeliverFunc is invoked when a job fires, with the prompt and the
// resolved delivery address.
type DeliverFunc func(job Job, addr sessionstore.Address)

// Scheduler registers and dispatches cron and one-shot jobs.
type Scheduler struct {
	mu      sync.Mutex
	cron    *cron.Cron
	jobs    map[string]*Job
	store   *sessionstore.Store
	deliver DeliverFunc

	defaultDelivery Delivery
}

// New builds a Scheduler. store resolves "last" delivery targets;
// deliver is invoked on every job firing; defaultDelivery is used when a
// job omits its own delivery target.
func New(store *sessionstore.Store, deliver DeliverFunc, defaultDelivery Delivery) *Scheduler {
	return &Scheduler{
		cron:            cron.New(),
		jobs:            make(map[string]*Job),
		store:           store,
		deliver:         deliver,
		defaultDelivery: defaultDelivery,
	}
}

// Start begins firing scheduled jobs.
func (s *Scheduler) Start() { s.cron.Start() }

// Stop halts the cron loop, waiting for in-flight jobs to finish.
func (s *Scheduler) Stop() { <-s.cron.Stop().Done() }

// AddCron registers a recurring job (scheduler_add_cron).
func (s *Scheduler) AddCron(agentID, schedule, prompt string, delivery Delivery) (string, error) {
	id := uuid.NewString()
	job := &Job{ID: id, AgentID: agentID, Prompt: prompt, Delivery: resolveDelivery(delivery, s.defaultDelivery)}

	entryID, err := s.cron.AddFunc(schedule, func() { s.fire(job) })
	if err != nil {
		return "", fmt.Errorf("scheduler: invalid cron expression: %w", err)
	}
	job.cronID = entryID

	s.mu.Lock()
	s.jobs[id] = job
	s.mu.Unlock()
	return id, nil
}

// RunAt registers a one-shot job firing at the given time (scheduler_run_at).
func (s *Scheduler) RunAt(agentID string, at time.Time, prompt string, delivery Delivery) (string, error) {
	id := uuid.NewString()
	job := &Job{ID: id, AgentID: agentID, Prompt: prompt, Delivery: resolveDelivery(delivery, s.defaultDelivery), RunOnce: true}

	delay := time.Until(at)
	if delay < 0 {
		delay = 0
	}

	s.mu.Lock()
	s.jobs[id] = job
	s.mu.Unlock()

	time.AfterFunc(delay, func() {
		s.fire(job)
		s.RemoveCron(id) // runOnce jobs self-remove after firing
	})
	return id, nil
}

// RemoveCron unregisters a job by ID (scheduler_remove_cron).
func (s *Scheduler) RemoveCron(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("scheduler: no such job %s", id)
	}
	if !job.RunOnce {
		s.cron.Remove(job.cronID)
	}
	delete(s.jobs, id)
	return nil
}

// ListJobs returns all currently registered jobs (scheduler_list_jobs).
func (s *Scheduler) ListJobs() []Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, *j)
	}
	return out
}

func resolveDelivery(d, fallback Delivery) Delivery {
	if d.Target == "" {
		return fallback
	}
	return d
}

func (s *Scheduler) fire(job *Job) {
	addr := sessionstore.Address{Channel: job.Delivery.Target, ChatID: job.Delivery.ChatID}
	if job.Delivery.Target == "last" && s.store != nil {
		if last, ok := s.store.Last(job.AgentID); ok {
			addr = last
		}
	}
	s.deliver(*job, addr)
}
