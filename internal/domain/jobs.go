package domain

import (
	"context"
	"time"
)

// PipelineMode описывает, какой шаг конвейера выполняет задача.
type PipelineMode string

const (
	// ModeResearch — только этап research.
	ModeResearch PipelineMode = "research"
	// ModeStructure — только этап структуры.
	ModeStructure PipelineMode = "structure"
	// ModeBrief — только этап брифа.
	ModeBrief PipelineMode = "brief"
	// ModeWriting — только этап написания.
	ModeWriting PipelineMode = "writing"
	// ModeAutopilot — все четыре этапа подряд для каждой позиции.
	ModeAutopilot PipelineMode = "autopilot"
)

// PipelineJob содержит информацию о задаче прогона конвейера.
type PipelineJob struct {
	ID          string       `json:"job_id,omitempty"`
	Mode        PipelineMode `json:"mode"`
	ItemIDs     []int64      `json:"item_ids"`
	RequestedAt time.Time    `json:"requested_at"`
}

// PipelineQueue описывает очередь задач конвейера.
type PipelineQueue interface {
	Enqueue(ctx context.Context, job PipelineJob) error
	Receive(ctx context.Context) (PipelineJob, PipelineAckFunc, error)
}

// PipelineAckFunc подтверждает обработку или запрашивает повтор доставки задачи.
type PipelineAckFunc func(success bool) error
