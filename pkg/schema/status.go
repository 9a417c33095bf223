// Package schema defines the typed records exchanged with the trading platform.
package schema

import (
	"strconv"

	"github.com/coachpo/empirekit/errs"
)

// TradeStatus enumerates the lifecycle of a deposit or withdrawal trade.
type TradeStatus int

const (
	TradeStatusError      TradeStatus = -1
	TradeStatusPending    TradeStatus = 0
	TradeStatusReceived   TradeStatus = 1
	TradeStatusProcessing TradeStatus = 2
	TradeStatusSending    TradeStatus = 3
	TradeStatusConfirming TradeStatus = 4
	TradeStatusSent       TradeStatus = 5
	TradeStatusCompleted  TradeStatus = 6
	TradeStatusDeclined   TradeStatus = 7
	TradeStatusCanceled   TradeStatus = 8
	TradeStatusTimedOut   TradeStatus = 9
	TradeStatusCredited   TradeStatus = 10
)

var tradeStatusNames = map[TradeStatus]string{
	TradeStatusError:      "error",
	TradeStatusPending:    "pending",
	TradeStatusReceived:   "received",
	TradeStatusProcessing: "processing",
	TradeStatusSending:    "sending",
	TradeStatusConfirming: "confirming",
	TradeStatusSent:       "sent",
	TradeStatusCompleted:  "completed",
	TradeStatusDeclined:   "declined",
	TradeStatusCanceled:   "canceled",
	TradeStatusTimedOut:   "timedout",
	TradeStatusCredited:   "credited",
}

// TradeStatuses returns every known status in code order.
func TradeStatuses() []TradeStatus {
	out := make([]TradeStatus, 0, len(tradeStatusNames))
	for code := TradeStatusError; code <= TradeStatusCredited; code++ {
		out = append(out, code)
	}
	return out
}

// Name returns the canonical name for the status code.
// Codes outside the table are a contract violation and yield an error.
func (s TradeStatus) Name() (string, error) {
	name, ok := tradeStatusNames[s]
	if !ok {
		return "", errs.New("schema/trade-status", errs.CodeProtocol,
			errs.WithCanonicalCode(errs.CanonicalUnknownTradeStatus),
			errs.WithField("status", strconv.Itoa(int(s))))
	}
	return name, nil
}

// Valid reports whether s is a known status code.
func (s TradeStatus) Valid() bool {
	_, ok := tradeStatusNames[s]
	return ok
}

func (s TradeStatus) String() string {
	if name, ok := tradeStatusNames[s]; ok {
		return name
	}
	return "TradeStatus(" + strconv.Itoa(int(s)) + ")"
}
