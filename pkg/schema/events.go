package schema

// Public event names delivered on the gateway event bus.
const (
	EventConnected     = "on_connected"
	EventReconnect     = "on_reconnect"
	EventDisconnected  = "on_disconnected"
	EventError         = "on_error"
	EventInit          = "on_init"
	EventReady         = "on_ready"
	EventNewItem       = "on_new_item"
	EventUpdatedItem   = "on_updated_item"
	EventAuctionUpdate = "on_auction_update"
	EventDeletedItem   = "on_deleted_item"
	EventFailedDeposit = "on_failed_deposit"
	EventTradeStatus   = "on_trade_status"
)

// Inbound message kinds on the trade namespace.
const (
	KindInit          = "init"
	KindNewItem       = "new_item"
	KindUpdatedItem   = "updated_item"
	KindAuctionUpdate = "auction_update"
	KindDeletedItem   = "deleted_item"
	KindDepositFailed = "deposit_failed"
	KindTradeStatus   = "trade_status"
)

// TradeEvent returns the status-specific event name, e.g. on_trade_completed.
func TradeEvent(s TradeStatus) (string, error) {
	name, err := s.Name()
	if err != nil {
		return "", err
	}
	return "on_trade_" + name, nil
}

// TradeEvents lists the status-specific event names in code order.
func TradeEvents() []string {
	out := make([]string, 0, len(tradeStatusNames))
	for _, s := range TradeStatuses() {
		out = append(out, "on_trade_"+tradeStatusNames[s])
	}
	return out
}

// PublicEvents lists every event name the gateway can emit.
func PublicEvents() []string {
	return append([]string{
		EventConnected, EventReconnect, EventDisconnected, EventError,
		EventInit, EventReady, EventNewItem, EventUpdatedItem,
		EventAuctionUpdate, EventDeletedItem, EventFailedDeposit, EventTradeStatus,
	}, TradeEvents()...)
}
