package events

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/abgdnv/storefront/pkg/messaging"
	"github.com/shopspring/decimal"
)

type SaleRecordedEvent struct {
	SaleID     int64           `json:"sale_id"`
	UserID     int64           `json:"user_id"`
	ProductID  int64           `json:"product_id"`
	Quantity   int32           `json:"quantity"`
	TotalPrice decimal.Decimal `json:"total_price"`
	SaleDate   time.Time       `json:"sale_date"`
}

func (e SaleRecordedEvent) Subject() string {
	return messaging.SalesRecordedSubject
}

func (e SaleRecordedEvent) Payload() ([]byte, error) {
	return json.Marshal(e)
}

func (e SaleRecordedEvent) MessageID() string {
	return "sale-" + strconv.FormatInt(e.SaleID, 10)
}

// ProductsResequencedEvent tells consumers holding product ids that they were renumbered.
type ProductsResequencedEvent struct {
	DeletedID    int64            `json:"deleted_id"`
	Mapping      map[string]int64 `json:"mapping"`
	RetiredSales int64            `json:"retired_sales"`
	OccurredAt   time.Time        `json:"occurred_at"`
}

// NewProductsResequencedEvent converts an old->new id mapping into its wire form.
func NewProductsResequencedEvent(deletedID int64, mapping map[int64]int64, retiredSales int64, at time.Time) ProductsResequencedEvent {
	wire := make(map[string]int64, len(mapping))
	for oldID, newID := range mapping {
		wire[strconv.FormatInt(oldID, 10)] = newID
	}
	return ProductsResequencedEvent{DeletedID: deletedID, Mapping: wire, RetiredSales: retiredSales, OccurredAt: at}
}

func (e ProductsResequencedEvent) Subject() string {
	return messaging.ProductsResequencedSubject
}

func (e ProductsResequencedEvent) Payload() ([]byte, error) {
	return json.Marshal(e)
}
