package notify

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/AfshinJalili/obsync/libs/kafka"
	"github.com/AfshinJalili/obsync/services/orderbook-sync/internal/protocol"
)

func TestSubaccountMessageRoundTrip(t *testing.T) {
	sub := protocol.SubaccountID{Owner: "dydx1owner", Number: 3}
	raw, err := NewSubaccountMessage(sub, "42", OrderSummary{ID: "order-1", Status: "OPEN", Ticker: "BTC-USD"})
	if err != nil {
		t.Fatalf("NewSubaccountMessage: %v", err)
	}

	msg, err := UnmarshalSubaccountMessage(raw)
	if err != nil {
		t.Fatalf("UnmarshalSubaccountMessage: %v", err)
	}
	if msg.Version != SubaccountMessageVersion {
		t.Fatalf("expected version %s, got %s", SubaccountMessageVersion, msg.Version)
	}
	if msg.SubaccountID == nil || *msg.SubaccountID != sub {
		t.Fatalf("unexpected subaccount %+v", msg.SubaccountID)
	}

	var contents SubaccountContents
	if err := json.Unmarshal([]byte(msg.Contents), &contents); err != nil {
		t.Fatalf("decode contents: %v", err)
	}
	if contents.BlockHeight != "42" || len(contents.Orders) != 1 || contents.Orders[0].ID != "order-1" {
		t.Fatalf("unexpected contents %+v", contents)
	}
}

func TestSubaccountMessageWireLayout(t *testing.T) {
	raw := SubaccountMessage{
		BlockHeight:      "7",
		TransactionIndex: 2,
		EventIndex:       1,
		Contents:         "{}",
		SubaccountID:     &protocol.SubaccountID{Owner: "a", Number: 1},
		Version:          "3.0.0",
	}.Marshal()

	want := []byte{
		0x0a, 0x01, '7',
		0x10, 0x02,
		0x18, 0x01,
		0x22, 0x02, '{', '}',
		0x2a, 0x05, 0x0a, 0x01, 'a', 0x10, 0x01,
		0x32, 0x05, '3', '.', '0', '.', '0',
	}
	if string(raw) != string(want) {
		t.Fatalf("unexpected encoding\n got %x\nwant %x", raw, want)
	}
}

func TestOrderbookMessage(t *testing.T) {
	raw, err := NewOrderbookMessage("1", "bids", "100", "0.04")
	if err != nil {
		t.Fatalf("NewOrderbookMessage: %v", err)
	}
	msg, err := UnmarshalOrderbookMessage(raw)
	if err != nil {
		t.Fatalf("UnmarshalOrderbookMessage: %v", err)
	}
	if msg.ClobPairID != "1" || msg.Version != OrderbookMessageVersion {
		t.Fatalf("unexpected message %+v", msg)
	}
	if msg.Contents != `{"bids":[["100","0.04"]]}` {
		t.Fatalf("unexpected contents %s", msg.Contents)
	}
}

func TestUnmarshalMalformed(t *testing.T) {
	if _, err := UnmarshalOrderbookMessage([]byte{0x0a, 0x05, 'a'}); !errors.Is(err, ErrMalformedMessage) {
		t.Fatalf("expected ErrMalformedMessage, got %v", err)
	}
}

type recordingPublisher struct {
	mu      sync.Mutex
	batches [][]kafka.Message
	fail    int
}

func (p *recordingPublisher) PublishBatch(ctx context.Context, msgs []kafka.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail > 0 {
		p.fail--
		return errors.New("broker unavailable")
	}
	p.batches = append(p.batches, append([]kafka.Message(nil), msgs...))
	return nil
}

func (p *recordingPublisher) values() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, batch := range p.batches {
		for _, m := range batch {
			out = append(out, string(m.Value))
		}
	}
	return out
}

func msg(topic, value string) kafka.Message {
	return kafka.Message{Topic: topic, Value: []byte(value)}
}

func TestBatcherFlushSplitsBatches(t *testing.T) {
	pub := &recordingPublisher{}
	b := NewBatcher(pub, BatcherOptions{MaxBatchMessages: 2}, nil, nil)

	if err := b.Enqueue(msg("subaccounts", "a"), msg("orderbooks", "b"), msg("subaccounts", "c"), msg("subaccounts", "d")); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := b.Flush(context.Background()); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	if len(pub.batches) != 3 {
		t.Fatalf("expected 3 batches, got %d", len(pub.batches))
	}
	if len(pub.batches[0]) != 2 || string(pub.batches[0][0].Value) != "a" || string(pub.batches[0][1].Value) != "c" {
		t.Fatalf("unexpected first batch %+v", pub.batches[0])
	}
	if b.Pending() != 0 {
		t.Fatalf("expected empty queues, got %d", b.Pending())
	}
}

func TestBatcherRequeuesAtHead(t *testing.T) {
	pub := &recordingPublisher{fail: 1}
	b := NewBatcher(pub, BatcherOptions{MaxBatchMessages: 10}, nil, nil)

	_ = b.Enqueue(msg("subaccounts", "a"), msg("subaccounts", "b"))
	if err := b.Flush(context.Background()); err == nil {
		t.Fatalf("expected flush error")
	}
	_ = b.Enqueue(msg("subaccounts", "c"))
	if err := b.Flush(context.Background()); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	got := pub.values()
	if len(got) != 3 || got[0] != "a" || got[1] != "b" || got[2] != "c" {
		t.Fatalf("expected order preserved after requeue, got %v", got)
	}
}

func TestBatcherDropsOldestWhenFull(t *testing.T) {
	pub := &recordingPublisher{}
	b := NewBatcher(pub, BatcherOptions{MaxBatchMessages: 10, MaxQueueMessages: 2}, nil, nil)

	_ = b.Enqueue(msg("t", "a"), msg("t", "b"), msg("t", "c"))
	if err := b.Flush(context.Background()); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	got := pub.values()
	if len(got) != 2 || got[0] != "b" || got[1] != "c" {
		t.Fatalf("expected oldest dropped, got %v", got)
	}
}

func TestBatcherLoopAndClose(t *testing.T) {
	pub := &recordingPublisher{}
	b := NewBatcher(pub, BatcherOptions{MaxBatchMessages: 100, FlushInterval: 5 * time.Millisecond}, nil, nil)
	b.Start(context.Background())

	_ = b.Enqueue(msg("t", "a"))
	deadline := time.Now().Add(time.Second)
	for len(pub.values()) == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if len(pub.values()) != 1 {
		t.Fatalf("expected interval flush")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := b.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := b.Enqueue(msg("t", "b")); !errors.Is(err, ErrBatcherClosed) {
		t.Fatalf("expected ErrBatcherClosed, got %v", err)
	}
}

func TestBatcherCloseDrains(t *testing.T) {
	pub := &recordingPublisher{fail: 2}
	b := NewBatcher(pub, BatcherOptions{MaxBatchMessages: 100, FlushInterval: time.Millisecond}, nil, nil)
	_ = b.Enqueue(msg("t", "a"), msg("t", "b"))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := b.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if got := pub.values(); len(got) != 2 {
		t.Fatalf("expected drained messages, got %v", got)
	}
}
