package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path"
	"time"

	"github.com/atmx/raffle-engine/internal/metrics"
	"github.com/atmx/raffle-engine/internal/model"
	"github.com/atmx/raffle-engine/internal/raffle"
)

// Source is the read side of the engine.
type Source interface {
	Snapshot(ctx context.Context) (*raffle.Snapshot, error)
	Winners(ctx context.Context) ([]model.Winner, error)
	Requests(ctx context.Context) ([]model.RandomnessRequest, error)
}

// Record is the body of one archived object.
type Record struct {
	Trigger  model.Event               `json:"trigger"`
	State    *raffle.Snapshot          `json:"state"`
	Winners  []model.Winner            `json:"winners"`
	Requests []model.RandomnessRequest `json:"requests"`
	Written  time.Time                 `json:"written"`
}

// Snapshotter is an engine event sink. Each fulfilled randomness request
// produces one object under <prefix>draws/, and the fulfillment that resolves
// the last round also writes <prefix>final.json.
type Snapshotter struct {
	source Source
	writer BlobWriter
	prefix string
	events chan model.Event
}

func NewSnapshotter(source Source, writer BlobWriter, prefix string) *Snapshotter {
	return &Snapshotter{
		source: source,
		writer: writer,
		prefix: prefix,
		events: make(chan model.Event, 64),
	}
}

// Publish queues fulfillment events and ignores the rest. It never blocks
// the engine; a full queue drops the event.
func (s *Snapshotter) Publish(ev model.Event) {
	if ev.Type != model.EventRandomnessFulfilled {
		return
	}
	select {
	case s.events <- ev:
	default:
		metrics.ArchiveWrites.WithLabelValues("dropped").Inc()
		slog.Warn("archive queue full, snapshot dropped", "round", ev.Round)
	}
}

// Run writes queued snapshots until ctx is done.
func (s *Snapshotter) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-s.events:
			if err := s.write(ctx, ev); err != nil {
				metrics.ArchiveWrites.WithLabelValues("error").Inc()
				slog.Error("archive snapshot failed", "round", ev.Round, "error", err)
				continue
			}
			metrics.ArchiveWrites.WithLabelValues("ok").Inc()
		}
	}
}

func (s *Snapshotter) write(ctx context.Context, ev model.Event) error {
	state, err := s.source.Snapshot(ctx)
	if err != nil {
		return fmt.Errorf("archive: snapshot: %w", err)
	}
	winners, err := s.source.Winners(ctx)
	if err != nil {
		return fmt.Errorf("archive: winners: %w", err)
	}
	requests, err := s.source.Requests(ctx)
	if err != nil {
		return fmt.Errorf("archive: requests: %w", err)
	}

	body, err := json.MarshalIndent(Record{
		Trigger:  ev,
		State:    state,
		Winners:  winners,
		Requests: requests,
		Written:  time.Now().UTC(),
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("archive: encode: %w", err)
	}

	if err := s.writer.Put(ctx, s.drawKey(ev), body, "application/json"); err != nil {
		return err
	}
	if ev.Final {
		if err := s.writer.Put(ctx, path.Join(s.prefix, "final.json"), body, "application/json"); err != nil {
			return err
		}
	}
	slog.Info("draw archived", "round", ev.Round, "final", ev.Final)
	return nil
}

func (s *Snapshotter) drawKey(ev model.Event) string {
	name := fmt.Sprintf("round-%03d.json", ev.Round)
	if ev.RequestID != nil {
		name = fmt.Sprintf("round-%03d-%s.json", ev.Round, ev.RequestID.Hex()[2:10])
	}
	return path.Join(s.prefix, "draws", name)
}
