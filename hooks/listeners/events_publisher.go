package listeners

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/INLOpen/nexusdb/hooks"
	"github.com/go-zeromq/zmq4"
	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Topics used as the first frame of every published message.
const (
	TopicMutation   = "mutation"
	TopicFlush      = "flush"
	TopicCompaction = "compaction"
	TopicStatement  = "statement"
)

// MutationMessage is published for every committed put or delete.
type MutationMessage struct {
	Op      string `json:"op"`
	TableID uint32 `json:"table_id"`
	Key     string `json:"key"` // hex
	SeqNum  uint64 `json:"seq_num"`
}

// FlushMessage is published after a memtable has been written to an SSTable.
type FlushMessage struct {
	SSTableID    uint64 `json:"sstable_id"`
	EntryCount   int    `json:"entry_count"`
	MemtableSize int64  `json:"memtable_size"`
	MaxSeqNum    uint64 `json:"max_seq_num"`
	DurationMs   int64  `json:"duration_ms"`
}

// CompactionMessage is published after a compaction has been installed.
type CompactionMessage struct {
	SourceLevel       int      `json:"source_level"`
	TargetLevel       int      `json:"target_level"`
	OldTables         []uint64 `json:"old_tables"`
	NewTables         []uint64 `json:"new_tables"`
	TombstonesDropped int      `json:"tombstones_dropped"`
	DurationMs        int64    `json:"duration_ms"`
}

// StatementMessage is published after every executed statement.
type StatementMessage struct {
	Kind         string `json:"kind"`
	Table        string `json:"table"`
	RowsAffected int64  `json:"rows_affected"`
	RowsReturned int    `json:"rows_returned"`
	DurationMs   int64  `json:"duration_ms"`
	Error        string `json:"error,omitempty"`
}

// EventPublisher forwards post events to ZeroMQ subscribers over a PUB socket.
type EventPublisher struct {
	socket zmq4.Socket
	logger *slog.Logger
	mu     sync.Mutex
	closed bool
}

// NewEventPublisher binds a PUB socket on endpoint, e.g. "tcp://*:5560".
func NewEventPublisher(ctx context.Context, endpoint string, logger *slog.Logger) (*EventPublisher, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	pub := zmq4.NewPub(ctx,
		zmq4.WithAutomaticReconnect(true),
		zmq4.WithDialerRetry(500*time.Millisecond),
	)
	if err := pub.Listen(endpoint); err != nil {
		pub.Close()
		return nil, fmt.Errorf("failed to listen on %s: %w", endpoint, err)
	}
	logger = logger.With("component", "EventPublisher")
	logger.Info("Publishing events", "endpoint", endpoint)
	return &EventPublisher{socket: pub, logger: logger}, nil
}

// Register subscribes the publisher to every event it forwards.
func (p *EventPublisher) Register(hm hooks.HookManager) {
	for _, t := range []hooks.EventType{
		hooks.EventPostPut,
		hooks.EventPostDelete,
		hooks.EventPostFlushMemtable,
		hooks.EventPostCompaction,
		hooks.EventPostStatement,
	} {
		hm.Register(t, p)
	}
}

// OnEvent translates the event into a message and publishes it.
func (p *EventPublisher) OnEvent(ctx context.Context, event hooks.HookEvent) error {
	topic, msg := p.message(event)
	if topic == "" {
		return nil
	}
	return p.publish(topic, msg)
}

func (p *EventPublisher) message(event hooks.HookEvent) (string, interface{}) {
	switch pl := event.Payload().(type) {
	case hooks.MutationPayload:
		op := "put"
		if event.Type() == hooks.EventPostDelete {
			op = "delete"
		}
		return TopicMutation, MutationMessage{Op: op, TableID: pl.TableID, Key: hex.EncodeToString(pl.Key), SeqNum: pl.SeqNum}
	case hooks.FlushPayload:
		return TopicFlush, FlushMessage{
			SSTableID:    pl.SSTableID,
			EntryCount:   pl.EntryCount,
			MemtableSize: pl.MemtableSize,
			MaxSeqNum:    pl.MaxSeqNum,
			DurationMs:   pl.Duration.Milliseconds(),
		}
	case hooks.PostCompactionPayload:
		m := CompactionMessage{
			SourceLevel:       pl.SourceLevel,
			TargetLevel:       pl.TargetLevel,
			TombstonesDropped: pl.TombstonesDropped,
			DurationMs:        pl.Duration.Milliseconds(),
		}
		for _, t := range pl.OldTables {
			m.OldTables = append(m.OldTables, t.ID)
		}
		for _, t := range pl.NewTables {
			m.NewTables = append(m.NewTables, t.ID)
		}
		return TopicCompaction, m
	case hooks.StatementPayload:
		m := StatementMessage{
			Kind:         pl.Kind,
			Table:        pl.Table,
			RowsAffected: pl.RowsAffected,
			RowsReturned: pl.RowsReturned,
			DurationMs:   pl.Duration.Milliseconds(),
		}
		if pl.Err != nil {
			m.Error = pl.Err.Error()
		}
		return TopicStatement, m
	}
	return "", nil
}

// publish sends one two-frame message: topic, then the JSON body.
func (p *EventPublisher) publish(topic string, msg interface{}) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal %s message: %w", topic, err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	if err := p.socket.Send(zmq4.NewMsgFrom([]byte(topic), payload)); err != nil {
		p.logger.Warn("Failed to publish event", "topic", topic, "error", err)
		return err
	}
	return nil
}

func (p *EventPublisher) Priority() int { return 200 }

func (p *EventPublisher) IsAsync() bool { return true }

// Close closes the socket. Events arriving afterwards are dropped.
func (p *EventPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	if err := p.socket.Close(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
