package queue

import (
	"context"
	"fmt"
)

// FlowRequest asks the messaging gateway to run a flow for each phone.
type FlowRequest struct {
	FlowID string   `json:"flow_id"`
	Phones []string `json:"phones"`
}

// FlowPublisher hands flow starts to the messaging gateway through the
// flows queue.
type FlowPublisher struct {
	conn *Connection
}

func NewFlowPublisher(conn *Connection) *FlowPublisher {
	return &FlowPublisher{conn: conn}
}

func (p *FlowPublisher) StartFlow(ctx context.Context, flowID string, phones []string) error {
	if err := p.conn.publish(ctx, FlowsQueue, FlowRequest{FlowID: flowID, Phones: phones}); err != nil {
		return fmt.Errorf("failed to publish flow %s: %w", flowID, err)
	}
	return nil
}
