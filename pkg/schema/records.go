package schema

import (
	"github.com/shopspring/decimal"
)

// User is the account model returned with socket metadata and echoed in identify frames.
type User struct {
	ID                 int64  `json:"id"`
	SteamID            string `json:"steam_id"`
	SteamName          string `json:"steam_name"`
	Avatar             string `json:"avatar"`
	Balance            int64  `json:"balance"`
	HasTradeURL        bool   `json:"has_trade_url"`
	HasAPIKey          bool   `json:"has_api_key"`
	TotalProfit        int64  `json:"total_profit"`
	Verified           bool   `json:"verified"`
	HideVerifiedStatus bool   `json:"hide_verified_status"`
	Hash               string `json:"hash,omitempty"`
}

// Meta is the socket metadata document.
type Meta struct {
	User            *User  `json:"user"`
	SocketToken     string `json:"socket_token"`
	SocketSignature string `json:"socket_signature"`
}

// Item is a marketplace listing or inventory entry. Values are in coin cents.
type Item struct {
	ID                  int64   `json:"id"`
	AssetID             int64   `json:"asset_id,omitempty"`
	MarketName          string  `json:"market_name"`
	MarketValue         int64   `json:"market_value"`
	PurchasePrice       int64   `json:"purchase_price,omitempty"`
	SuggestedPrice      int64   `json:"suggested_price,omitempty"`
	AboveRecommended    float64 `json:"above_recommended_price,omitempty"`
	Wear                float64 `json:"wear,omitempty"`
	Tradable            bool    `json:"tradable"`
	TradeLock           int     `json:"tradelock,omitempty"`
	PublishedAt         string  `json:"published_at,omitempty"`
	AuctionEndsAt       int64   `json:"auction_ends_at,omitempty"`
	AuctionHighestBid   int64   `json:"auction_highest_bid,omitempty"`
	AuctionNumberOfBids int     `json:"auction_number_of_bids,omitempty"`
	Icon                string  `json:"icon_url,omitempty"`
}

// CoinValue returns the listing price for a custom percentage over market value,
// rounded to the nearest coin cent.
func (i Item) CoinValue(percentage float64) int64 {
	factor := decimal.NewFromFloat(percentage).Div(decimal.NewFromInt(100)).Add(decimal.NewFromInt(1))
	return decimal.NewFromInt(i.MarketValue).Mul(factor).Round(0).IntPart()
}

// Sellable reports whether the item can be deposited right now.
func (i Item) Sellable() bool {
	return i.Tradable && i.MarketValue > 0
}

// AuctionUpdate is a partial update describing the current state of an auction.
type AuctionUpdate struct {
	ID                   int64   `json:"id"`
	AboveRecommended     float64 `json:"above_recommended_price"`
	AuctionHighestBid    int64   `json:"auction_highest_bid"`
	AuctionHighestBidder int64   `json:"auction_highest_bidder"`
	AuctionNumberOfBids  int     `json:"auction_number_of_bids"`
	AuctionEndsAt        int64   `json:"auction_ends_at"`
}

// DeletedItem identifies a listing that is no longer available.
type DeletedItem struct {
	ID int64 `json:"id"`
}

// Deposit is an active deposit trade of the authenticated user.
type Deposit struct {
	ID            int64       `json:"id"`
	ItemID        int64       `json:"item_id"`
	Status        TradeStatus `json:"status"`
	StatusMessage string      `json:"status_message"`
	TotalValue    int64       `json:"total_value"`
	Item          *Item       `json:"item,omitempty"`
	CreatedAt     string      `json:"created_at,omitempty"`
	UpdatedAt     string      `json:"updated_at,omitempty"`
}

// ActiveTrades groups the active deposits and withdrawals of the user.
type ActiveTrades struct {
	Deposits    []Deposit `json:"deposits"`
	Withdrawals []Deposit `json:"withdrawals"`
}
