package types

import "sort"

type ReservationStatus string

const (
	ReservationStatusReserved  ReservationStatus = "RESERVED"
	ReservationStatusCommitted ReservationStatus = "COMMITTED"
	ReservationStatusReleased  ReservationStatus = "RELEASED"
	ReservationStatusExpired   ReservationStatus = "EXPIRED"
)

type StockItem struct {
	ProductID string `json:"productId"`
	Quantity  int    `json:"quantity"`
}

// Shortfall describes one line that could not be reserved.
type Shortfall struct {
	ProductID string `json:"productId"`
	Requested int    `json:"requested"`
	Available int    `json:"available"`
}

// MergeStockItems sums quantities of repeated products and orders the result
// by product id, which is also the order stock rows are updated in.
func MergeStockItems(items []StockItem) []StockItem {
	totals := make(map[string]int, len(items))
	for _, item := range items {
		totals[item.ProductID] += item.Quantity
	}
	out := make([]StockItem, 0, len(totals))
	for productID, qty := range totals {
		out = append(out, StockItem{ProductID: productID, Quantity: qty})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProductID < out[j].ProductID })
	return out
}
