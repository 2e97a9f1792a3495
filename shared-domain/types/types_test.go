package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStockItemsMergesAndSorts(t *testing.T) {
	items := []OrderItem{
		{ProductID: "sku-b", Quantity: 1, UnitPrice: 5},
		{ProductID: "sku-a", Quantity: 2, UnitPrice: 3},
		{ProductID: "sku-b", Quantity: 4, UnitPrice: 5},
	}

	assert.Equal(t, []StockItem{
		{ProductID: "sku-a", Quantity: 2},
		{ProductID: "sku-b", Quantity: 5},
	}, StockItems(items))
	assert.InDelta(t, 31.0, TotalAmount(items), 1e-9)
}

func TestTerminalStatuses(t *testing.T) {
	for _, s := range []OrderStatus{OrderStatusFulfilled, OrderStatusCancelled, OrderStatusFailed} {
		assert.True(t, s.IsTerminal(), s)
	}
	for _, s := range []OrderStatus{OrderStatusPending, OrderStatusConfirmed, OrderStatusPaymentPending, OrderStatusPaid} {
		assert.False(t, s.IsTerminal(), s)
	}
}
