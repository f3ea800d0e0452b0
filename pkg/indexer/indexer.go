// Package indexer owns the moving "current height" cursor and the
// catching-up / at-tip / live state machine that decides between the
// bounded-parallelism bulk queue and the strictly-ordered live queue.
package indexer

import (
	"context"
	"sync"
	"time"

	"github.com/brc420/ordindexer/pkg/cache"
	"github.com/brc420/ordindexer/pkg/gateway"
	"github.com/brc420/ordindexer/pkg/log"
	"github.com/brc420/ordindexer/pkg/metrics"
	"github.com/brc420/ordindexer/pkg/processor"
	"github.com/brc420/ordindexer/pkg/store"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// state names the driver's position relative to the chain tip.
type state string

const (
	stateCatchingUp state = "catching_up"
	stateAtTip      state = "at_tip"
	stateLive       state = "live"
)

// tipIdleSleep is the fixed pause at tip before transitioning to live
// mode.
const tipIdleSleep = 30 * time.Second

// Indexer is the scheduler / driver loop: one value holding the driver
// state (cursor, cached tip, current state) and the handles of its
// collaborators, instead of package-level globals. The collaborators
// are built first and passed to New; they do not hold the Indexer.
type Indexer struct {
	gateway   *gateway.Client
	store     store.Store
	cache     cache.Cache
	processor *processor.Processor

	mu           sync.RWMutex
	cursor       uint64
	cachedTip    uint64
	currentState state

	concurrencyLimit int
	recoveryPause    time.Duration

	logger zerolog.Logger
	stopCh chan struct{}
}

// Config holds the values the driver loop needs beyond its collaborators.
type Config struct {
	StartBlock       uint64
	ConcurrencyLimit int
	RecoveryPause    time.Duration
}

// New builds an Indexer.
func New(g *gateway.Client, s store.Store, c cache.Cache, p *processor.Processor, cfg Config) *Indexer {
	return &Indexer{
		gateway:          g,
		store:            s,
		cache:            c,
		processor:        p,
		cursor:           cfg.StartBlock,
		currentState:     stateCatchingUp,
		concurrencyLimit: cfg.ConcurrencyLimit,
		recoveryPause:    cfg.RecoveryPause,
		logger:           log.WithComponent("indexer"),
		stopCh:           make(chan struct{}),
	}
}

// Start begins the driver loop in a new goroutine.
func (ix *Indexer) Start(ctx context.Context) {
	go ix.runOuter(ctx)
}

// Stop signals the driver loop to exit.
func (ix *Indexer) Stop() {
	close(ix.stopCh)
}

// Cursor returns the current height the driver has advanced past.
func (ix *Indexer) Cursor() uint64 {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.cursor
}

// runOuter restarts runOnce after a recovery pause if it panics.
func (ix *Indexer) runOuter(ctx context.Context) {
	for {
		select {
		case <-ix.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		ix.safeRunOnce(ctx)

		select {
		case <-ix.stopCh:
			return
		case <-ctx.Done():
			return
		case <-time.After(ix.recoveryPause):
		}
	}
}

func (ix *Indexer) safeRunOnce(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			ix.logger.Error().Interface("panic", r).Msg("driver loop panicked, restarting from cursor")
		}
	}()
	ix.runOnce(ctx)
}

// runOnce drives ticks until the context is cancelled, stop is
// signalled, or a fatal error forces a restart.
func (ix *Indexer) runOnce(ctx context.Context) {
	ix.logger.Info().Uint64("cursor", ix.Cursor()).Msg("driver loop started")

	for {
		select {
		case <-ix.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		ix.retryErrorBlocks(ctx)
		ix.tick(ctx)
	}
}

// tick runs one iteration of the catching-up / at-tip / live state
// machine.
func (ix *Indexer) tick(ctx context.Context) {
	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDuration(metrics.BlockProcessingDuration)
		metrics.BlockProcessingCyclesTotal.Inc()
	}()

	cursor := ix.Cursor()

	switch ix.currentStateLocked() {
	case stateCatchingUp:
		if cursor >= ix.cachedTipLocked() {
			ix.setState(stateAtTip)
			return
		}
		ix.processBulk(ctx)

	case stateAtTip:
		tip, err := ix.gateway.GetTipHeight(ctx)
		if err != nil {
			ix.logger.Warn().Err(err).Msg("failed to refresh tip height")
			return
		}
		ix.setCachedTip(tip)
		if tip > cursor {
			ix.setState(stateCatchingUp)
			return
		}
		select {
		case <-time.After(tipIdleSleep):
		case <-ctx.Done():
			return
		case <-ix.stopCh:
			return
		}
		ix.setState(stateLive)

	case stateLive:
		ix.processLive(ctx)
	}
}

// processBulk advances the cursor through the bulk queue with bounded
// parallelism via errgroup.SetLimit.
func (ix *Indexer) processBulk(ctx context.Context) {
	cursor := ix.Cursor()
	tip := ix.cachedTipLocked()

	batchEnd := cursor + uint64(ix.concurrencyLimit)
	if batchEnd > tip {
		batchEnd = tip
	}
	if batchEnd <= cursor {
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(ix.concurrencyLimit)

	for h := cursor + 1; h <= batchEnd; h++ {
		height := h
		g.Go(func() error {
			summary, err := ix.processor.Process(gctx, height)
			if err != nil {
				return err
			}
			metrics.BlocksProcessedTotal.WithLabelValues("bulk").Inc()
			ix.logger.Debug().Uint64("height", height).Int("deploys", summary.Deploys).Int("mints", summary.Mints).Int("bitmaps", summary.Bitmaps).Msg("block processed")
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		ix.logger.Error().Err(err).Msg("bulk batch encountered a fatal error")
		return
	}

	ix.setCursor(batchEnd)
}

// processLive handles exactly one block at concurrency 1, so new
// blocks are strictly height-ordered.
func (ix *Indexer) processLive(ctx context.Context) {
	cursor := ix.Cursor()

	tip, err := ix.gateway.GetTipHeight(ctx)
	if err != nil {
		ix.logger.Warn().Err(err).Msg("failed to refresh tip height in live mode")
		return
	}
	ix.setCachedTip(tip)
	if tip <= cursor {
		return
	}

	next := cursor + 1
	summary, err := ix.processor.Process(ctx, next)
	if err != nil {
		ix.logger.Error().Uint64("height", next).Err(err).Msg("live block processing failed")
		return
	}
	metrics.BlocksProcessedTotal.WithLabelValues("live").Inc()
	ix.logger.Info().Uint64("height", next).Int("deploys", summary.Deploys).Int("mints", summary.Mints).Int("bitmaps", summary.Bitmaps).Msg("live block processed")
	ix.setCursor(next)
}

// retryErrorBlocks re-processes error-blocks whose retry_at has been
// reached by the current cursor, removing them on success.
func (ix *Indexer) retryErrorBlocks(ctx context.Context) {
	due, err := ix.store.ListDueErrorBlocks(ctx, ix.Cursor())
	if err != nil {
		ix.logger.Warn().Err(err).Msg("failed to list due error blocks")
		return
	}

	for _, eb := range due {
		summary, err := ix.processor.Process(ctx, eb.BlockHeight)
		if err != nil {
			continue
		}
		if err := ix.store.DeleteErrorBlock(ctx, eb.BlockHeight); err != nil {
			ix.logger.Warn().Uint64("height", eb.BlockHeight).Err(err).Msg("failed to clear retried error block")
			continue
		}
		metrics.ErrorBlockRetriesTotal.Inc()
		metrics.ErrorBlocksTotal.Dec()
		ix.logger.Info().Uint64("height", eb.BlockHeight).Int("deploys", summary.Deploys).Msg("error block retried successfully")
	}
}

func (ix *Indexer) currentStateLocked() state {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.currentState
}

func (ix *Indexer) setState(s state) {
	ix.mu.Lock()
	ix.currentState = s
	ix.mu.Unlock()
	metrics.DriverState.Reset()
	metrics.DriverState.WithLabelValues(string(s)).Set(1)
}

func (ix *Indexer) cachedTipLocked() uint64 {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.cachedTip
}

func (ix *Indexer) setCachedTip(tip uint64) {
	ix.mu.Lock()
	ix.cachedTip = tip
	ix.mu.Unlock()
	metrics.CachedTipHeight.Set(float64(tip))
}

func (ix *Indexer) setCursor(cursor uint64) {
	ix.mu.Lock()
	ix.cursor = cursor
	ix.mu.Unlock()
	metrics.CurrentHeight.Set(float64(cursor))
}
