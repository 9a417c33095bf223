// Package normalizer turns trade namespace frames into canonical gateway events.
package normalizer

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"sync"

	json "github.com/goccy/go-json"

	"github.com/coachpo/empirekit/errs"
	"github.com/coachpo/empirekit/pkg/schema"
)

// Emission is one event to deliver on the bus.
type Emission struct {
	Name    string
	Payload any
}

// Normalizer maps inbound kinds to public events and remembers the last
// trade status seen per trade. It is safe for concurrent use, though the
// gateway feeds it from a single goroutine.
type Normalizer struct {
	mu         sync.Mutex
	lastStatus map[string]schema.TradeStatus
}

// New creates a normalizer with an empty status history.
func New() *Normalizer {
	return &Normalizer{lastStatus: make(map[string]schema.TradeStatus)}
}

// Handles reports whether kind is a data frame the normalizer understands.
func Handles(kind string) bool {
	switch kind {
	case schema.KindNewItem, schema.KindUpdatedItem, schema.KindAuctionUpdate,
		schema.KindDeletedItem, schema.KindDepositFailed, schema.KindTradeStatus:
		return true
	default:
		return false
	}
}

// Normalize converts one frame into zero or more emissions in delivery order.
// Items that fail to decode are skipped and their errors joined into the
// returned error. An unknown trade status stops the frame: the emissions
// produced before it are returned together with the error.
func (n *Normalizer) Normalize(kind string, data json.RawMessage) ([]Emission, error) {
	items, err := coerceList(data)
	if err != nil {
		return nil, fmt.Errorf("normalize %s: %w", kind, err)
	}

	switch kind {
	case schema.KindNewItem:
		return fanOut(items, schema.EventNewItem, decodeItem)
	case schema.KindUpdatedItem:
		return fanOut(items, schema.EventUpdatedItem, decodeItem)
	case schema.KindDepositFailed:
		return fanOut(items, schema.EventFailedDeposit, decodeItem)
	case schema.KindAuctionUpdate:
		return fanOut(items, schema.EventAuctionUpdate, decodeAuctionUpdate)
	case schema.KindDeletedItem:
		return fanOut(items, schema.EventDeletedItem, decodeDeletedItem)
	case schema.KindTradeStatus:
		return n.tradeStatus(items)
	default:
		return nil, errs.New("normalizer", errs.CodeProtocol,
			errs.WithMessage("unsupported frame kind"),
			errs.WithField("kind", kind))
	}
}

// LastStatus returns the remembered status for a trade type and id.
// An id of 0 addresses the history of items that carry no id.
func (n *Normalizer) LastStatus(tradeType string, id int64) (schema.TradeStatus, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	status, ok := n.lastStatus[statusKey(tradeType, id)]
	return status, ok
}

// Reset forgets every remembered trade status.
func (n *Normalizer) Reset() {
	n.mu.Lock()
	n.lastStatus = make(map[string]schema.TradeStatus)
	n.mu.Unlock()
}

func (n *Normalizer) tradeStatus(items []json.RawMessage) ([]Emission, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	out := make([]Emission, 0, 2*len(items))
	var skipped []error
	for _, raw := range items {
		var item schema.TradeStatusItem
		if err := json.Unmarshal(raw, &item); err != nil {
			skipped = append(skipped, decodeError(schema.KindTradeStatus, raw, err))
			continue
		}

		key := statusKey(item.Type, item.Data.ID)
		event := schema.TradeStatusEvent{Type: item.Type, Data: item.Data, Raw: raw}
		if item.Data.Status != nil {
			event.Status = *item.Data.Status
		} else {
			last, ok := n.lastStatus[key]
			if !ok {
				continue
			}
			event.Status = last
			event.Carried = true
		}

		name, err := schema.TradeEvent(event.Status)
		if err != nil {
			return out, errors.Join(append(skipped, err)...)
		}
		n.lastStatus[key] = event.Status
		out = append(out,
			Emission{Name: schema.EventTradeStatus, Payload: event},
			Emission{Name: name, Payload: event},
		)
	}
	return out, errors.Join(skipped...)
}

func statusKey(tradeType string, id int64) string {
	if id == 0 {
		return ""
	}
	return tradeType + ":" + strconv.FormatInt(id, 10)
}

func fanOut[T any](items []json.RawMessage, event string, decode func(json.RawMessage) (T, error)) ([]Emission, error) {
	out := make([]Emission, 0, len(items))
	var skipped []error
	for _, raw := range items {
		record, err := decode(raw)
		if err != nil {
			skipped = append(skipped, err)
			continue
		}
		out = append(out, Emission{Name: event, Payload: record})
	}
	return out, errors.Join(skipped...)
}

// coerceList wraps a scalar payload so every kind can be iterated the same way.
func coerceList(data json.RawMessage) ([]json.RawMessage, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}
	if trimmed[0] != '[' {
		return []json.RawMessage{trimmed}, nil
	}
	var items []json.RawMessage
	if err := json.Unmarshal(trimmed, &items); err != nil {
		return nil, errs.New("normalizer", errs.CodeProtocol,
			errs.WithMessage("payload is not a list"),
			errs.WithCause(err))
	}
	return items, nil
}

func decodeItem(raw json.RawMessage) (schema.Item, error) {
	var item schema.Item
	if err := json.Unmarshal(raw, &item); err != nil {
		return schema.Item{}, decodeError("item", raw, err)
	}
	return item, nil
}

func decodeAuctionUpdate(raw json.RawMessage) (schema.AuctionUpdate, error) {
	var update schema.AuctionUpdate
	if err := json.Unmarshal(raw, &update); err != nil {
		return schema.AuctionUpdate{}, decodeError("auction update", raw, err)
	}
	return update, nil
}

// decodeDeletedItem accepts both bare ids and {"id": ...} objects.
func decodeDeletedItem(raw json.RawMessage) (schema.DeletedItem, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var deleted schema.DeletedItem
		if err := json.Unmarshal(trimmed, &deleted); err != nil {
			return schema.DeletedItem{}, decodeError("deleted item", raw, err)
		}
		return deleted, nil
	}
	id, err := strconv.ParseInt(string(trimmed), 10, 64)
	if err != nil {
		return schema.DeletedItem{}, decodeError("deleted item", raw, err)
	}
	return schema.DeletedItem{ID: id}, nil
}

func decodeError(what string, raw json.RawMessage, err error) error {
	sample := string(raw)
	if len(sample) > 64 {
		sample = sample[:64]
	}
	return errs.New("normalizer", errs.CodeProtocol,
		errs.WithMessage("decode "+what),
		errs.WithField("payload", sample),
		errs.WithCause(err))
}
