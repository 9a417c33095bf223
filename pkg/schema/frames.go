package schema

import (
	json "github.com/goccy/go-json"
)

// Init is the first frame the server sends on the trade namespace.
type Init struct {
	Authenticated bool   `json:"authenticated"`
	ServerTime    string `json:"serverTime,omitempty"`
	ID            int64  `json:"id,omitempty"`
	SteamName     string `json:"steam_name,omitempty"`
}

// Identify is the authentication handshake payload.
type Identify struct {
	UID                int64  `json:"uid"`
	Model              User   `json:"model"`
	AuthorizationToken string `json:"authorizationToken"`
	Signature          string `json:"signature"`
}

// Filter controls which listings the server pushes to an authenticated session.
type Filter struct {
	PriceMax            int64  `json:"price_max"`
	PriceMaxAbove       int64  `json:"price_max_above"`
	DeliveryTimeLongMax int64  `json:"delivery_time_long_max"`
	Auction             string `json:"auction"`
}

// DefaultFilter is sent once per successful authentication.
func DefaultFilter() Filter {
	return Filter{
		PriceMax:            999999,
		PriceMaxAbove:       999,
		DeliveryTimeLongMax: 9999,
		Auction:             "yes",
	}
}

// TradeStatusData is the nested data of a trade status item.
// Status is nil when the server sends a partial update.
type TradeStatusData struct {
	ID            int64        `json:"id"`
	ItemID        int64        `json:"item_id,omitempty"`
	Status        *TradeStatus `json:"status,omitempty"`
	StatusMessage string       `json:"status_message,omitempty"`
	TotalValue    int64        `json:"total_value,omitempty"`
	Item          *Item        `json:"item,omitempty"`
}

// TradeStatusItem is one element of a trade_status frame.
type TradeStatusItem struct {
	Type string          `json:"type"`
	Data TradeStatusData `json:"data"`
	Raw  json.RawMessage `json:"-"`
}

// TradeStatusEvent is a trade status item with its status resolved.
type TradeStatusEvent struct {
	Type   string          `json:"type"`
	Data   TradeStatusData `json:"data"`
	Status TradeStatus     `json:"status"`
	// Carried is set when Status was reused from an earlier frame.
	Carried bool            `json:"carried"`
	Raw     json.RawMessage `json:"-"`
}
