// Package hublifecycle wires one hub process's segments, recovery
// sweepers, and broker registrations under a single cancellation
// context, in the spirit of the teacher's main.go signal-driven
// shutdown but built on errgroup instead of a bare sync.WaitGroup so a
// single channel's failure can be observed and reported rather than
// silently logged.
package hublifecycle

import (
	"context"
	"fmt"
	"log"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/pylabhub/datahub/broker"
	"github.com/pylabhub/datahub/hubconfig"
	"github.com/pylabhub/datahub/hubtx"
	"github.com/pylabhub/datahub/recovery"
	"github.com/pylabhub/datahub/shmseg"
)

// Channel bundles one created segment with its sweeper, registered
// channel name, and the heartbeat ticker hubtx transactions against
// this segment should drain from (spec §4.7). heartbeatTicks is
// deliberately its own ticker rather than a share of runChannel's: the
// two have independent consumers (this package's own loop vs. whatever
// application goroutine is running a hubtx transaction) and a ticker's
// ticks aren't broadcast, so each consumer needs its own.
type Channel struct {
	Name    string
	Segment *shmseg.Segment
	Sweeper *recovery.Sweeper

	heartbeatTicks *time.Ticker
}

// HeartbeatTicks returns the ticker channel a hubtx transaction against
// this channel's segment should pass as TransactionOptions.HeartbeatTicks.
// Safe to share across consecutive transactions since a segment has
// exactly one producer, and a ConsumerSession's transactions are
// likewise expected to run one at a time.
func (ch *Channel) HeartbeatTicks() <-chan time.Time { return ch.heartbeatTicks.C }

// Hub owns every channel this process created and the broker adapter
// they register against.
type Hub struct {
	channels []*Channel
	adapter  broker.Adapter
}

// New creates one segment per configured channel; broker registration
// happens in Run. If cfg.Broker.URL is empty, adapter is a
// broker.NullAdapter.
func New(cfg *hubconfig.Config) (*Hub, error) {
	var adapter broker.Adapter = broker.NullAdapter{}
	if cfg.Broker.URL != "" {
		adapter = broker.NewWSAdapter(cfg.Broker.URL)
	}

	h := &Hub{adapter: adapter}
	for name, segCfg := range cfg.Channels {
		opts, err := segCfg.CreateOptions()
		if err != nil {
			h.Close()
			return nil, fmt.Errorf("hublifecycle: channel %q: %w", name, err)
		}

		seg, err := shmseg.Create(segCfg.Name, opts)
		if err != nil {
			h.Close()
			return nil, fmt.Errorf("hublifecycle: create segment for channel %q: %w", name, err)
		}

		h.channels = append(h.channels, &Channel{
			Name:           name,
			Segment:        seg,
			Sweeper:        recovery.NewSweeper(seg),
			heartbeatTicks: time.NewTicker(seg.WriterHeartbeatTimeout() / 3),
		})
	}
	return h, nil
}

// Run registers every channel with the broker and starts a heartbeat +
// recovery-sweep loop per channel, all under ctx. Run blocks until ctx
// is canceled or a loop returns a non-context error, then unwinds every
// other loop via errgroup before returning.
func (h *Hub) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	for _, ch := range h.channels {
		ch := ch
		hubUID, hubName, producerUID, producerName := ch.Segment.Identity()
		if err := h.adapter.RegisterProducer(ctx, ch.Name, ch.Segment.Name(), broker.SchemaHashes{}, map[string]string{
			"hub_uid":      hubUID,
			"hub_name":     hubName,
			"producer_uid": producerUID,
			"producer_name": producerName,
		}); err != nil {
			log.Printf("hublifecycle: %s: broker registration failed: %v", ch.Name, err)
		}

		g.Go(func() error { return h.runChannel(ctx, ch) })
	}

	return g.Wait()
}

func (h *Hub) runChannel(ctx context.Context, ch *Channel) error {
	heartbeat := time.NewTicker(ch.Segment.WriterHeartbeatTimeout() / 3)
	defer heartbeat.Stop()
	sweep := time.NewTicker(ch.Segment.WriterHeartbeatTimeout())
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = h.adapter.DeregisterProducer(context.Background(), ch.Name, ch.Segment.OwnPID())
			return ctx.Err()

		case <-heartbeat.C:
			ch.Segment.Heartbeat()

		case <-sweep.C:
			res := ch.Sweeper.SweepZombieWriter()
			if res.ZombieFound {
				log.Printf("hublifecycle: %s: reclaimed from zombie writer pid=%d slots=%d write_index_rolled_back=%v",
					ch.Name, res.ZombiePID, res.SlotsReverted, res.WriteIndexRolledBack)
			}
			readers := ch.Sweeper.SweepZombieReaders()
			if readers.SlotsAffected > 0 {
				log.Printf("hublifecycle: %s: dropped %d zombie reader claims", ch.Name, readers.SlotsAffected)
			}
		}
	}
}

// TransactionOptions builds the hubtx.TransactionOptions for channel,
// wiring its dedicated heartbeat ticker and this hub's broker adapter so
// a release-time checksum mismatch is reported to the broker as a
// checksum_error push (spec §4.9). The second return is false if no
// channel by that name was created by this hub.
func (h *Hub) TransactionOptions(channel string) (hubtx.TransactionOptions, bool) {
	for _, ch := range h.channels {
		if ch.Name != channel {
			continue
		}
		ch := ch
		return hubtx.TransactionOptions{
			HeartbeatTicks: ch.HeartbeatTicks(),
			OnChecksumError: func(slotID uint64) {
				h.adapter.ReportChecksumError(ch.Name, slotID)
			},
		}, true
	}
	return hubtx.TransactionOptions{}, false
}

// Close unmaps and unlinks every channel this hub created.
func (h *Hub) Close() error {
	var firstErr error
	for _, ch := range h.channels {
		ch.heartbeatTicks.Stop()
		if err := ch.Segment.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := ch.Segment.Unlink(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := h.adapter.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
