package handlers

import (
	"context"
	"fmt"
	"time"

	"github.com/axrunhq/ax/internal/ipc"
	"github.com/axrunhq/ax/internal/scheduler"
	"github.com/axrunhq/ax/pkg/ipcproto"
)

// SchedulerHandlers closes over the scheduler instance for the four
// scheduler_* IPC actions.
type SchedulerHandlers struct {
	Scheduler *scheduler.Scheduler
}

// AddCron handles scheduler_add_cron: {schedule, prompt, target?, chatId?} -> {jobId}.
func (h *SchedulerHandlers) AddCron(ctx context.Context, reqCtx ipc.Context, payload map[string]interface{}) (ipcproto.Result, error) {
	schedule, _ := payload["schedule"].(string)
	prompt, _ := payload["prompt"].(string)
	if schedule == "" || prompt == "" {
		return nil, fmt.Errorf("schedule and prompt are required")
	}
	delivery := deliveryFromPayload(payload)
	id, err := h.Scheduler.AddCron(reqCtx.AgentID, schedule, prompt, delivery)
	if err != nil {
		return nil, err
	}
	return ipcproto.Result{"jobId": id}, nil
}

// RunAt handles scheduler_run_at: {datetime, prompt, target?, chatId?} -> {jobId}.
func (h *SchedulerHandlers) RunAt(ctx context.Context, reqCtx ipc.Context, payload map[string]interface{}) (ipcproto.Result, error) {
	datetimeStr, _ := payload["datetime"].(string)
	prompt, _ := payload["prompt"].(string)
	if datetimeStr == "" || prompt == "" {
		return nil, fmt.Errorf("datetime and prompt are required")
	}
	at, err := time.Parse(time.RFC3339, datetimeStr)
	if err != nil {
		return nil, fmt.Errorf("datetime must be RFC3339: %w", err)
	}
	delivery := deliveryFromPayload(payload)
	id, err := h.Scheduler.RunAt(reqCtx.AgentID, at, prompt, delivery)
	if err != nil {
		return nil, err
	}
	return ipcproto.Result{"jobId": id}, nil
}

// RemoveCron handles scheduler_remove_cron: {jobId} -> {ok:true}.
func (h *SchedulerHandlers) RemoveCron(ctx context.Context, reqCtx ipc.Context, payload map[string]interface{}) (ipcproto.Result, error) {
	jobID, _ := payload["jobId"].(string)
	if jobID == "" {
		return nil, fmt.Errorf("jobId is required")
	}
	if err := h.Scheduler.RemoveCron(jobID); err != nil {
		return nil, err
	}
	return ipcproto.Result{}, nil
}

// ListJobs handles scheduler_list_jobs: {} -> {jobs}.
func (h *SchedulerHandlers) ListJobs(ctx context.Context, reqCtx ipc.Context, payload map[string]interface{}) (ipcproto.Result, error) {
	jobs := h.Scheduler.ListJobs()
	out := make([]map[string]interface{}, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, map[string]interface{}{
			"jobId":   j.ID,
			"agentId": j.AgentID,
			"prompt":  j.Prompt,
			"runOnce": j.RunOnce,
		})
	}
	return ipcproto.Result{"jobs": out}, nil
}

func deliveryFromPayload(payload map[string]interface{}) scheduler.Delivery {
	target, _ := payload["target"].(string)
	chatID, _ := payload["chatId"].(string)
	return scheduler.Delivery{Target: target, ChatID: chatID}
}
