package apqueue

import (
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/AvaProtocol/ap-wallet/pkg/logger"
)

// WebhookProcessor posts the job payload as JSON to a fixed URL.
type WebhookProcessor struct {
	client *resty.Client
	url    string
}

func NewWebhookProcessor(url string, timeout time.Duration) *WebhookProcessor {
	client := resty.New()
	client.SetTimeout(timeout)
	client.SetHeader("Content-Type", "application/json")
	return &WebhookProcessor{client: client, url: url}
}

func (p *WebhookProcessor) Perform(job *Job) error {
	resp, err := p.client.R().
		SetHeader("X-Idempotency-Key", job.ExternalID).
		SetBody(job.Data).
		Post(p.url)
	if err != nil {
		return err
	}
	if resp.IsError() {
		return fmt.Errorf("webhook responded %d", resp.StatusCode())
	}
	return nil
}

// LogProcessor writes the payload to the logger. Used when no webhook is configured.
type LogProcessor struct {
	Logger logger.Logger
}

func (p *LogProcessor) Perform(job *Job) error {
	logger.EnsureLogger(p.Logger).Info("operation event", "job_id", job.ID, "external_id", job.ExternalID, "payload", string(job.Data))
	return nil
}
