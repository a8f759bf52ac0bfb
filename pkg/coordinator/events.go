package coordinator

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/nimbusgate/pkg/entity"
)

// Event actions.
const (
	ActionUpload = "upload"
	ActionDelete = "delete"
	ActionCopy   = "copy"
	ActionMove   = "move"
	ActionMkdir  = "mkdir"
)

// Event describes a completed mutation.
type Event struct {
	Action     string               `json:"action"`
	ProviderID string               `json:"provider"`
	Path       string               `json:"path"`
	DestID     string               `json:"dest_provider,omitempty"`
	DestPath   string               `json:"dest_path,omitempty"`
	Metadata   *entity.FileMetadata `json:"metadata,omitempty"`
	Time       time.Time            `json:"time"`
}

// Publisher delivers events. Delivery failures never fail the operation.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, Event) error { return nil }

func (c *Coordinator) publish(ctx context.Context, ev Event) {
	ev.Time = c.now().UTC()
	if err := c.publisher.Publish(context.WithoutCancel(ctx), ev); err != nil {
		c.logger.Warn("Event publish failed",
			zap.String("action", ev.Action),
			zap.String("provider", ev.ProviderID),
			zap.String("path", ev.Path),
			zap.Error(err))
	}
}
