// Package firehose turns a storage.Store's append-only event log into
// the subscribeRepos-style wire stream: per-subscriber cursors, gap
// tolerance while a reserved sequence number's write is still in
// flight, and a rollback window bounding how far behind a resuming
// subscriber may lag before it's told to resync from a fresh CAR
// export instead.
//
// Grounded on arroba.firehose's collect/subscribe/process_event, with
// the wakeup condition variable replaced by Hub (see hub.go) and the
// 20s NEW_EVENTS_TIMEOUT widened to the 60s gap timeout this module's
// spec requires.
package firehose

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/wrenfeed/pds/storage"
)

const (
	defaultGapTimeout = 60 * time.Second
	frameBuffer       = 64
)

// Config controls one Pump's gap and rollback behavior. Zero values
// pick spec defaults: GapTimeout becomes 60s, RollbackWindow becomes
// unlimited (0 means unlimited), SubscribeBatchDelay becomes 0 (no
// throttling). Logger defaults to zap.NewNop() if nil.
type Config struct {
	GapTimeout          time.Duration
	RollbackWindow      uint64
	SubscribeBatchDelay time.Duration
	Logger              *zap.Logger
}

// Pump serves subscribeRepos-style subscriptions against a single
// storage.Store, waking on the given Hub whenever new events land.
type Pump struct {
	st  storage.Store
	hub *Hub
	cfg Config
	log *zap.Logger
}

// NewPump returns a Pump reading from st, woken by hub.
func NewPump(st storage.Store, hub *Hub, cfg Config) *Pump {
	if cfg.GapTimeout <= 0 {
		cfg.GapTimeout = defaultGapTimeout
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Pump{st: st, hub: hub, cfg: cfg, log: log}
}

// Subscriber is one live subscription: a stream of wire Frames plus the
// terminal error (nil on clean ctx cancellation) once the stream ends.
// ID identifies the subscription in logs; it has no meaning on the wire.
type Subscriber struct {
	ID     string
	frames chan Frame
	errc   chan error
}

// Frames is the subscriber's frame stream. It closes when the
// subscription ends; callers should then read Err to find out why.
func (s *Subscriber) Frames() <-chan Frame { return s.frames }

// Err blocks until the subscription ends and returns why. nil means
// the context was cancelled cleanly.
func (s *Subscriber) Err() error { return <-s.errc }

// Subscribe starts a subscription over repoDID's events (or every
// repo's, if repoDID is empty) starting just after cursor. It validates
// cursor against the current log bounds before returning, so a bad
// cursor fails the caller synchronously instead of leaking a goroutine.
func (p *Pump) Subscribe(ctx context.Context, repoDID string, cursor uint64) (*Subscriber, error) {
	last, err := p.st.LastSeq(ctx)
	if err != nil {
		return nil, fmt.Errorf("firehose: reading last seq: %w", err)
	}
	if cursor > last {
		return nil, storage.ErrFutureCursor
	}
	if p.cfg.RollbackWindow > 0 && last > p.cfg.RollbackWindow && cursor < last-p.cfg.RollbackWindow {
		return nil, storage.ErrOutdatedCursor
	}

	sub := &Subscriber{
		ID:     uuid.NewString(),
		frames: make(chan Frame, frameBuffer),
		errc:   make(chan error, 1),
	}
	p.log.Info("firehose: subscriber connected",
		zap.String("subscriber", sub.ID), zap.String("repo", repoDID), zap.Uint64("cursor", cursor))
	go p.run(ctx, repoDID, cursor, sub)
	return sub, nil
}

func (p *Pump) run(ctx context.Context, repoDID string, startCursor uint64, sub *Subscriber) {
	defer close(sub.frames)
	defer p.log.Info("firehose: subscriber disconnected", zap.String("subscriber", sub.ID))
	cursor := startCursor

subscribeLoop:
	for {
		if err := ctx.Err(); err != nil {
			sub.errc <- nil
			return
		}

		wake := p.hub.Wait()
		it, err := p.st.ReadEventsBySeq(ctx, cursor+1, repoDID)
		if err != nil {
			sub.errc <- fmt.Errorf("firehose: reading events since %d: %w", cursor+1, err)
			return
		}

		sawEvent := false
		for {
			ev, ok, err := it.Next(ctx)
			if err != nil {
				it.Close()
				sub.errc <- fmt.Errorf("firehose: iterating events: %w", err)
				return
			}
			if !ok {
				break
			}

			if ev.Seq > cursor+1 {
				filled, err := p.waitForGap(ctx, cursor+1, repoDID)
				if err != nil {
					it.Close()
					sub.errc <- err
					return
				}
				if filled {
					// the missing event showed up while we waited; restart
					// the read from cursor so it's delivered in order.
					it.Close()
					continue subscribeLoop
				}

				p.log.Warn("firehose: gap timeout, skipping missing sequence range",
					zap.String("subscriber", sub.ID), zap.Uint64("from", cursor+1), zap.Uint64("to", ev.Seq-1))
				gf, err := gapFrame(cursor+1, ev.Seq-1)
				if err != nil {
					it.Close()
					sub.errc <- err
					return
				}
				if !p.send(ctx, sub, gf, it) {
					sub.errc <- ctx.Err()
					return
				}
				cursor = ev.Seq - 1
			}

			fr, err := encodeEvent(ev)
			if err != nil {
				it.Close()
				sub.errc <- err
				return
			}
			if !p.send(ctx, sub, fr, it) {
				sub.errc <- ctx.Err()
				return
			}
			cursor = ev.Seq
			sawEvent = true

			if p.cfg.SubscribeBatchDelay > 0 {
				select {
				case <-time.After(p.cfg.SubscribeBatchDelay):
				case <-ctx.Done():
					it.Close()
					sub.errc <- nil
					return
				}
			}
		}
		it.Close()

		if !sawEvent {
			select {
			case <-wake:
			case <-ctx.Done():
				sub.errc <- nil
				return
			}
		}
	}
}

// send delivers fr to the subscriber, closing it if ctx is cancelled
// first. it is closed on the cancelled path since the caller still
// holds it open.
func (p *Pump) send(ctx context.Context, sub *Subscriber, fr Frame, it storage.EventIterator) bool {
	select {
	case sub.frames <- fr:
		return true
	case <-ctx.Done():
		it.Close()
		return false
	}
}

// waitForGap blocks until seq missingSeq appears in the log, the gap
// timeout elapses, or ctx is cancelled. It wakes on every Hub
// notification to recheck rather than polling on a fixed interval.
func (p *Pump) waitForGap(ctx context.Context, missingSeq uint64, repoDID string) (bool, error) {
	timer := time.NewTimer(p.cfg.GapTimeout)
	defer timer.Stop()
	for {
		wake := p.hub.Wait()
		found, err := p.seqExists(ctx, missingSeq, repoDID)
		if err != nil {
			return false, err
		}
		if found {
			return true, nil
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-timer.C:
			return false, nil
		case <-wake:
		}
	}
}

// seqExists reports whether seq has been written yet. ReadEventsBySeq's
// sinceSeq bound is inclusive, so the first entry it returns (if any)
// is the earliest seq >= seq; it matches only if that seq has landed.
func (p *Pump) seqExists(ctx context.Context, seq uint64, repoDID string) (bool, error) {
	it, err := p.st.ReadEventsBySeq(ctx, seq, repoDID)
	if err != nil {
		return false, fmt.Errorf("firehose: checking for seq %d: %w", seq, err)
	}
	defer it.Close()
	ev, ok, err := it.Next(ctx)
	if err != nil {
		return false, err
	}
	return ok && ev.Seq == seq, nil
}
