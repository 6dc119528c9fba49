package store

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/cockroachdb/pebble"

	"github.com/JaeDuckHan/wonswap/pkg/market"
)

// Store is the durable local cache of orders, trades, and settings.
// All operations are local-process only; no cross-process locking.
type Store struct {
	db *pebble.DB
}

func Open(path string) (*Store, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open store at %s: %w", path, err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// keyspaces: o:<orderID>, t:<tradeID>, s:<settingKey>, x:<counterparty>
func kOrder(id string) []byte    { return []byte("o:" + id) }
func kTrade(id string) []byte    { return []byte("t:" + id) }
func kSetting(key string) []byte { return []byte("s:" + key) }
func kOutbox(key string) []byte  { return []byte("x:" + key) }

func keyUpperBound(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}

// ---- orders ----

func (s *Store) PutOrder(o *market.Order) error {
	data, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("marshal order %s: %w", o.ID, err)
	}
	if err := s.db.Set(kOrder(o.ID), data, pebble.Sync); err != nil {
		return fmt.Errorf("save order %s: %w", o.ID, err)
	}
	return nil
}

func (s *Store) GetOrder(id string) (*market.Order, error) {
	val, closer, err := s.db.Get(kOrder(id))
	if err == pebble.ErrNotFound {
		return nil, &market.NotFoundError{Kind: "order", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("get order %s: %w", id, err)
	}
	defer closer.Close()
	var o market.Order
	if err := json.Unmarshal(val, &o); err != nil {
		return nil, fmt.Errorf("unmarshal order %s: %w", id, err)
	}
	return &o, nil
}

func (s *Store) AllOrders() ([]*market.Order, error) {
	return s.scanOrders(func(*market.Order) bool { return true })
}

func (s *Store) OrdersByType(t market.OrderType) ([]*market.Order, error) {
	return s.scanOrders(func(o *market.Order) bool { return o.Type == t })
}

func (s *Store) OrdersByOwner(owner string) ([]*market.Order, error) {
	return s.scanOrders(func(o *market.Order) bool { return strings.EqualFold(o.Owner, owner) })
}

func (s *Store) scanOrders(keep func(*market.Order) bool) ([]*market.Order, error) {
	prefix := []byte("o:")
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, fmt.Errorf("iterate orders: %w", err)
	}
	defer iter.Close()

	var out []*market.Order
	for iter.First(); iter.Valid(); iter.Next() {
		var o market.Order
		if err := json.Unmarshal(iter.Value(), &o); err != nil {
			continue // skip corrupt entries
		}
		if keep(&o) {
			out = append(out, &o)
		}
	}
	return out, nil
}

func (s *Store) DeleteOrder(id string) error {
	if err := s.db.Delete(kOrder(id), pebble.Sync); err != nil {
		return fmt.Errorf("delete order %s: %w", id, err)
	}
	return nil
}

// DeleteExpiredOrders removes every order with expiry <= now and returns
// how many were removed. Idempotent: an immediate second call returns 0.
func (s *Store) DeleteExpiredOrders(now time.Time) (int, error) {
	expired, err := s.scanOrders(func(o *market.Order) bool { return o.Expired(now) })
	if err != nil {
		return 0, err
	}
	batch := s.db.NewBatch()
	defer batch.Close()
	for _, o := range expired {
		if err := batch.Delete(kOrder(o.ID), nil); err != nil {
			return 0, fmt.Errorf("delete expired order %s: %w", o.ID, err)
		}
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return 0, fmt.Errorf("commit expiry batch: %w", err)
	}
	return len(expired), nil
}

// ---- trades ----

func (s *Store) PutTrade(t *market.Trade) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal trade %s: %w", t.ID, err)
	}
	if err := s.db.Set(kTrade(t.ID), data, pebble.Sync); err != nil {
		return fmt.Errorf("save trade %s: %w", t.ID, err)
	}
	return nil
}

func (s *Store) GetTrade(id string) (*market.Trade, error) {
	val, closer, err := s.db.Get(kTrade(id))
	if err == pebble.ErrNotFound {
		return nil, &market.NotFoundError{Kind: "trade", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("get trade %s: %w", id, err)
	}
	defer closer.Close()
	var t market.Trade
	if err := json.Unmarshal(val, &t); err != nil {
		return nil, fmt.Errorf("unmarshal trade %s: %w", id, err)
	}
	return &t, nil
}

func (s *Store) AllTrades() ([]*market.Trade, error) {
	return s.scanTrades(func(*market.Trade) bool { return true })
}

// TradesByAddress returns trades where addr case-insensitively equals the
// seller or the buyer, newest first.
func (s *Store) TradesByAddress(addr string) ([]*market.Trade, error) {
	trades, err := s.scanTrades(func(t *market.Trade) bool {
		return strings.EqualFold(t.Seller, addr) || strings.EqualFold(t.Buyer, addr)
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(trades, func(i, j int) bool { return trades[i].CreatedAt > trades[j].CreatedAt })
	return trades, nil
}

func (s *Store) scanTrades(keep func(*market.Trade) bool) ([]*market.Trade, error) {
	prefix := []byte("t:")
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, fmt.Errorf("iterate trades: %w", err)
	}
	defer iter.Close()

	var out []*market.Trade
	for iter.First(); iter.Valid(); iter.Next() {
		var t market.Trade
		if err := json.Unmarshal(iter.Value(), &t); err != nil {
			continue
		}
		if keep(&t) {
			out = append(out, &t)
		}
	}
	return out, nil
}

// ---- outbox ----
// Queued negotiation envelopes, keyed by counterparty address, so
// store-and-forward delivery survives a restart. Values are opaque
// JSON blobs owned by the negotiation layer.

func (s *Store) SetOutbox(counterparty string, data []byte) error {
	if err := s.db.Set(kOutbox(counterparty), data, pebble.Sync); err != nil {
		return fmt.Errorf("set outbox for %s: %w", counterparty, err)
	}
	return nil
}

func (s *Store) DeleteOutbox(counterparty string) error {
	if err := s.db.Delete(kOutbox(counterparty), pebble.Sync); err != nil {
		return fmt.Errorf("delete outbox for %s: %w", counterparty, err)
	}
	return nil
}

func (s *Store) AllOutbox() (map[string][]byte, error) {
	prefix := []byte("x:")
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, fmt.Errorf("iterate outbox: %w", err)
	}
	defer iter.Close()

	out := make(map[string][]byte)
	for iter.First(); iter.Valid(); iter.Next() {
		val := make([]byte, len(iter.Value()))
		copy(val, iter.Value())
		out[string(iter.Key()[len(prefix):])] = val
	}
	return out, nil
}

// ---- settings ----

func (s *Store) SetSetting(key, value string) error {
	if err := s.db.Set(kSetting(key), []byte(value), pebble.Sync); err != nil {
		return fmt.Errorf("set setting %s: %w", key, err)
	}
	return nil
}

func (s *Store) GetSetting(key string) (string, error) {
	val, closer, err := s.db.Get(kSetting(key))
	if err == pebble.ErrNotFound {
		return "", &market.NotFoundError{Kind: "setting", ID: key}
	}
	if err != nil {
		return "", fmt.Errorf("get setting %s: %w", key, err)
	}
	defer closer.Close()
	return string(val), nil
}
