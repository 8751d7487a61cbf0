// Package cron schedules proactive check-in calls. Jobs are stored as JSON on
// disk and fire through a single OnJob callback owned by the gateway.
package cron

import (
	"time"

	"github.com/google/uuid"
)

// Schedule supports three kinds: a cron expression (with seconds), a fixed
// interval, or a one-shot wall-clock time.
type Schedule struct {
	Kind    string `json:"kind"` // "cron", "every" or "at"
	Expr    string `json:"expr,omitempty"`
	EveryMs int64  `json:"everyMs,omitempty"`
	AtMs    int64  `json:"atMs,omitempty"`
}

// Payload describes the check-in to place when the job fires.
type Payload struct {
	UserID  string `json:"userId"`
	Channel string `json:"channel"` // channel to reach the person on
	ChatID  string `json:"chatId"`  // channel-specific address, e.g. telegram chat ID
	Message string `json:"message,omitempty"`
}

type JobState struct {
	LastRunAtMs int64  `json:"lastRunAtMs,omitempty"`
	LastStatus  string `json:"lastStatus,omitempty"`
	LastError   string `json:"lastError,omitempty"`
}

type CronJob struct {
	ID             string   `json:"id"`
	Name           string   `json:"name"`
	Enabled        bool     `json:"enabled"`
	Schedule       Schedule `json:"schedule"`
	Payload        Payload  `json:"payload"`
	State          JobState `json:"state"`
	DeleteAfterRun bool     `json:"deleteAfterRun,omitempty"`
	CreatedAtMs    int64    `json:"createdAtMs"`
}

func NewCronJob(name string, schedule Schedule, payload Payload) CronJob {
	return CronJob{
		ID:          uuid.NewString(),
		Name:        name,
		Enabled:     true,
		Schedule:    schedule,
		Payload:     payload,
		CreatedAtMs: time.Now().UnixMilli(),
	}
}
