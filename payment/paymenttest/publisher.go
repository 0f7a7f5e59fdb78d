package paymenttest

import (
	"context"
	"sync"

	"order-svc/models"
	"order-svc/payment"
)

// RecordingPublisher keeps every published event for inspection.
type RecordingPublisher struct {
	mu      sync.Mutex
	events  []models.OrderEvent
	reviews []models.ReviewRequest
}

var _ payment.Publisher = (*RecordingPublisher)(nil)

func (p *RecordingPublisher) PublishOrderEvent(ctx context.Context, event models.OrderEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *RecordingPublisher) RequestReview(ctx context.Context, req models.ReviewRequest) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reviews = append(p.reviews, req)
	return nil
}

func (p *RecordingPublisher) EventTypes() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.events))
	for i, e := range p.events {
		out[i] = e.EventType
	}
	return out
}

func (p *RecordingPublisher) Reviews() []models.ReviewRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]models.ReviewRequest(nil), p.reviews...)
}
