package queue

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"github.com/dunamismax/editflow/internal/domain"
)

const TypeConvertImages = "image:convert"

type ConvertImagesPayload struct {
	JobID       string               `json:"jobId"`
	SourceType  string               `json:"sourceType"`
	WebhookURL  string               `json:"webhookUrl,omitempty"`
	Files       []domain.JobFile     `json:"files"`
	Export      domain.ExportOptions `json:"export"`
	RequestedAt time.Time            `json:"requestedAt"`
}

func NewConvertImagesTask(payload ConvertImagesPayload) (*asynq.Task, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal convert payload: %w", err)
	}
	return asynq.NewTask(TypeConvertImages, body), nil
}

func ParseConvertImagesPayload(task *asynq.Task) (ConvertImagesPayload, error) {
	var payload ConvertImagesPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return ConvertImagesPayload{}, fmt.Errorf("unmarshal convert payload: %w", err)
	}
	return payload, nil
}
