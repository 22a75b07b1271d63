package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/decen-ai/platform-backend/internal/models"
)

// subjectPrefix is the NATS subject tree for job status events. The full
// subject is jobs.status.<job_id> so consumers can subscribe per job or to
// the whole tree with a wildcard.
const subjectPrefix = "jobs.status."

// StatusEvent is the payload published on every job state change.
type StatusEvent struct {
	JobID     string          `json:"job_id"`
	Kind      models.JobKind  `json:"kind"`
	State     models.JobState `json:"state"`
	Message   string          `json:"message,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Publisher emits job lifecycle events to NATS. A nil Publisher is valid and
// drops all events, which keeps event emission optional in tests and
// single-node deployments.
type Publisher struct {
	conn   *nats.Conn
	logger *zap.Logger
}

// NewPublisher connects to the NATS server.
func NewPublisher(natsURL string, logger *zap.Logger) (*Publisher, error) {
	conn, err := nats.Connect(natsURL,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS at %s: %w", natsURL, err)
	}
	logger.Info("Connected to NATS", zap.String("url", natsURL))
	return &Publisher{conn: conn, logger: logger.Named("events")}, nil
}

// PublishStatus emits a state-change event. Publish failures are logged and
// swallowed; event delivery is best-effort and never blocks the pipeline.
func (p *Publisher) PublishStatus(job *models.Job) {
	if p == nil || p.conn == nil {
		return
	}
	event := StatusEvent{
		JobID:     job.ID,
		Kind:      job.Kind,
		State:     job.State,
		Message:   job.Message,
		Timestamp: time.Now().UTC(),
	}
	data, err := json.Marshal(event)
	if err != nil {
		p.logger.Error("Failed to encode status event", zap.Error(err))
		return
	}
	if err := p.conn.Publish(subjectPrefix+job.ID, data); err != nil {
		p.logger.Warn("Failed to publish status event",
			zap.String("job_id", job.ID),
			zap.String("state", string(job.State)),
			zap.Error(err),
		)
	}
}

// Close drains the connection.
func (p *Publisher) Close() {
	if p == nil || p.conn == nil {
		return
	}
	p.conn.Close()
}
