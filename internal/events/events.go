// Package events publishes ledger events to Kafka after they commit.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
)

// Topics.
const (
	TopicBetPlaced      = "wager.bet_placed"
	TopicMarketResolved = "wager.market_resolved"
)

// BetPlaced is emitted once a stake has committed.
type BetPlaced struct {
	BetID     string `json:"bet_id"`
	UserEmail string `json:"user_email"`
	MarketID  string `json:"market_id"`
	Option    string `json:"option"`
	Stake     string `json:"stake"`
	PoolA     string `json:"pool_a"`
	PoolB     string `json:"pool_b"`
	TsUnixMs  int64  `json:"ts_unix_ms"`
}

// MarketResolved is emitted once a settlement has committed.
type MarketResolved struct {
	MarketID   string `json:"market_id"`
	Resolution string `json:"resolution"`
	Refunded   bool   `json:"refunded"`
	PoolA      string `json:"pool_a"`
	PoolB      string `json:"pool_b"`
	HouseCut   string `json:"house_cut"`
	CreatorCut string `json:"creator_cut"`
	Payouts    int    `json:"payouts"`
	TsUnixMs   int64  `json:"ts_unix_ms"`
}

// Publisher delivers ledger events.
type Publisher interface {
	PublishBetPlaced(ctx context.Context, e BetPlaced) error
	PublishMarketResolved(ctx context.Context, e MarketResolved) error
	Close() error
}

// Nop discards every event.
type Nop struct{}

func (Nop) PublishBetPlaced(context.Context, BetPlaced) error           { return nil }
func (Nop) PublishMarketResolved(context.Context, MarketResolved) error { return nil }
func (Nop) Close() error                                                { return nil }

// messageWriter is the part of *kafka.Writer the publisher uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes each event type to its own topic, keyed by market ID
// so that a market's events stay ordered within a partition.
type KafkaPublisher struct {
	bets    messageWriter
	markets messageWriter
}

// NewKafkaPublisher creates writers for both topics on brokers.
func NewKafkaPublisher(brokers string) *KafkaPublisher {
	return &KafkaPublisher{
		bets:    NewWriter(brokers, TopicBetPlaced),
		markets: NewWriter(brokers, TopicMarketResolved),
	}
}

// NewWriter returns a Kafka writer for topic that creates it on first use.
// brokers is a comma-separated list of host:port addresses.
func NewWriter(brokers, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(brokerList(brokers)...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		AllowAutoTopicCreation: true,
	}
}

func (p *KafkaPublisher) PublishBetPlaced(ctx context.Context, e BetPlaced) error {
	if e.TsUnixMs == 0 {
		e.TsUnixMs = time.Now().UnixMilli()
	}
	return writeJSON(ctx, p.bets, e.MarketID, e)
}

func (p *KafkaPublisher) PublishMarketResolved(ctx context.Context, e MarketResolved) error {
	if e.TsUnixMs == 0 {
		e.TsUnixMs = time.Now().UnixMilli()
	}
	return writeJSON(ctx, p.markets, e.MarketID, e)
}

// Close flushes and closes both writers.
func (p *KafkaPublisher) Close() error {
	errBets := p.bets.Close()
	errMarkets := p.markets.Close()
	if errBets != nil {
		return errBets
	}
	return errMarkets
}

func writeJSON(ctx context.Context, w messageWriter, key string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	msg := kafka.Message{
		Key:   []byte(key),
		Value: payload,
		Time:  time.Now(),
	}
	if err := w.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("write kafka message: %w", err)
	}
	return nil
}

func brokerList(brokers string) []string {
	var addrs []string
	for _, b := range strings.Split(brokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			addrs = append(addrs, b)
		}
	}
	return addrs
}
