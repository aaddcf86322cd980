package messaging

import (
	"context"
)

const (
	SalesRecordedSubject       = "storefront.sales.recorded"
	ProductsResequencedSubject = "storefront.products.resequenced"
)

// Subjects lists every subject published by the storefront.
var Subjects = []string{SalesRecordedSubject, ProductsResequencedSubject}

type Event interface {
	Subject() string
	Payload() ([]byte, error)
}

type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// NopPublisher discards every event. Used when no broker is configured.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, Event) error { return nil }
