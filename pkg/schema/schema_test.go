package schema

import (
	"testing"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/empirekit/errs"
)

func TestTradeStatusNames(t *testing.T) {
	want := []string{
		"error", "pending", "received", "processing", "sending", "confirming",
		"sent", "completed", "declined", "canceled", "timedout", "credited",
	}
	statuses := TradeStatuses()
	require.Len(t, statuses, len(want))
	for i, status := range statuses {
		require.Equal(t, TradeStatus(i-1), status)
		name, err := status.Name()
		require.NoError(t, err)
		require.Equal(t, want[i], name)
	}
}

func TestTradeStatusUnknownCodeFails(t *testing.T) {
	_, err := TradeStatus(99).Name()
	require.Error(t, err)
	require.True(t, errs.Is(err, errs.CanonicalUnknownTradeStatus))
	require.Equal(t, errs.CodeProtocol, errs.CodeOf(err))
	require.False(t, TradeStatus(-2).Valid())
	require.Equal(t, "TradeStatus(99)", TradeStatus(99).String())
}

func TestItemCoinValue(t *testing.T) {
	item := Item{MarketValue: 1234}
	require.Equal(t, int64(1234), item.CoinValue(0))
	require.Equal(t, int64(1296), item.CoinValue(5))
	require.Equal(t, int64(1172), item.CoinValue(-5))
	require.Equal(t, int64(1481), item.CoinValue(20))
}

func TestItemSellable(t *testing.T) {
	require.True(t, Item{Tradable: true, MarketValue: 1}.Sellable())
	require.False(t, Item{Tradable: true}.Sellable())
	require.False(t, Item{MarketValue: 10}.Sellable())
}

func TestDefaultFilterWireShape(t *testing.T) {
	raw, err := json.Marshal(DefaultFilter())
	require.NoError(t, err)
	require.JSONEq(t, `{"price_max":999999,"price_max_above":999,"delivery_time_long_max":9999,"auction":"yes"}`, string(raw))
}

func TestTradeStatusDataDistinguishesMissingStatus(t *testing.T) {
	var withStatus, without TradeStatusData
	require.NoError(t, json.Unmarshal([]byte(`{"id":7,"status":0}`), &withStatus))
	require.NoError(t, json.Unmarshal([]byte(`{"id":7}`), &without))
	require.NotNil(t, withStatus.Status)
	require.Equal(t, TradeStatusPending, *withStatus.Status)
	require.Nil(t, without.Status)
}

func TestPublicEventNames(t *testing.T) {
	events := PublicEvents()
	require.Len(t, events, 24)
	require.Contains(t, events, "on_failed_deposit")
	require.Contains(t, events, "on_trade_timedout")

	name, err := TradeEvent(TradeStatusCompleted)
	require.NoError(t, err)
	require.Equal(t, "on_trade_completed", name)

	_, err = TradeEvent(TradeStatus(42))
	require.Error(t, err)
}
