package pipeline

import (
	"context"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/flossfund/pkg/queue"
)

// correlationNamespace seeds correlation ids derived from queue message ids
var correlationNamespace = uuid.MustParse("6f1f6c5e-4b8e-4d55-9a0c-3c1d2f7a9e10")

// Handler adapts queue messages to the orchestrator's flows. Each method is a
// queue.HandlerFunc.
type Handler struct {
	orchestrator *Orchestrator
	logger       logrus.FieldLogger
}

// NewHandler creates a handler for orchestrator
func NewHandler(orchestrator *Orchestrator, logger logrus.FieldLogger) *Handler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Handler{orchestrator: orchestrator, logger: logger}
}

// HandleDonation runs a donation through the synchronous flow
func (h *Handler) HandleDonation(ctx context.Context, msg queue.Message) error {
	var req DonationRequest
	if err := msg.Decode(&req); err != nil {
		return &ValidationError{Field: "body", Message: "malformed donation request", Err: err}
	}
	_, err := h.orchestrator.Distribute(ctx, req)
	return err
}

// HandleScrape starts a split-flow run. The correlation id comes from the
// request or, when absent, is derived from the message id so a redelivered
// message resumes the same run.
func (h *Handler) HandleScrape(ctx context.Context, msg queue.Message) error {
	var req DonationRequest
	if err := msg.Decode(&req); err != nil {
		return &ValidationError{Field: "body", Message: "malformed donation request", Err: err}
	}
	cid := CorrelationID(req, msg.ID)
	h.logger.WithFields(logrus.Fields{
		"message_id":     msg.ID,
		"correlation_id": cid,
	}).Debug("starting split run")
	return h.orchestrator.Scrape(ctx, cid, req)
}

// HandleWeigh runs the weigh stage for the message's correlation id
func (h *Handler) HandleWeigh(ctx context.Context, msg queue.Message) error {
	cid, err := decodeStage(msg)
	if err != nil {
		return err
	}
	return h.orchestrator.Weigh(ctx, cid)
}

// HandlePost runs the distribute stage for the message's correlation id
func (h *Handler) HandlePost(ctx context.Context, msg queue.Message) error {
	cid, err := decodeStage(msg)
	if err != nil {
		return err
	}
	return h.orchestrator.Post(ctx, cid)
}

// CorrelationID returns the request's correlation id, deriving a stable one from
// messageID when the request has none
func CorrelationID(req DonationRequest, messageID string) string {
	if req.CorrelationID != "" {
		return req.CorrelationID
	}
	if messageID == "" {
		return uuid.NewString()
	}
	return uuid.NewSHA1(correlationNamespace, []byte(messageID)).String()
}

func decodeStage(msg queue.Message) (string, error) {
	var stage StageMessage
	if err := msg.Decode(&stage); err != nil {
		return "", &ValidationError{Field: "body", Message: "malformed stage message", Err: err}
	}
	if stage.CorrelationID == "" {
		return "", &ValidationError{Field: "correlationId", Message: "correlation id is required"}
	}
	return stage.CorrelationID, nil
}
