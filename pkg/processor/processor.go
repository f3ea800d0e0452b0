// Package processor orchestrates per-inscription work for one block
// height: it fetches the block's inscription id list, classifies and
// validates each entry in order, persists accepted rows, and reports
// an aggregate summary.
package processor

import (
	"context"
	"fmt"
	"time"

	"github.com/brc420/ordindexer/pkg/bitmappattern"
	"github.com/brc420/ordindexer/pkg/cache"
	"github.com/brc420/ordindexer/pkg/classify"
	"github.com/brc420/ordindexer/pkg/domain"
	"github.com/brc420/ordindexer/pkg/gateway"
	"github.com/brc420/ordindexer/pkg/log"
	"github.com/brc420/ordindexer/pkg/metrics"
	"github.com/brc420/ordindexer/pkg/store"
	"github.com/brc420/ordindexer/pkg/validate"
	"github.com/rs/zerolog"
)

// Processor runs the per-block pipeline: fetch, classify, validate,
// persist, summarize.
type Processor struct {
	gateway         *gateway.Client
	store           store.Store
	cache           cache.Cache
	deployValidator *validate.DeployValidator
	bitmapValidator *validate.BitmapValidator
	mintValidator   *validate.MintValidator
	retryBlockDelay uint64
	logger          zerolog.Logger
}

// New builds a Processor from its collaborators.
func New(g *gateway.Client, s store.Store, c cache.Cache, retryBlockDelay uint64) *Processor {
	return &Processor{
		gateway:         g,
		store:           s,
		cache:           c,
		deployValidator: validate.NewDeployValidator(),
		bitmapValidator: validate.NewBitmapValidator(s),
		mintValidator:   validate.NewMintValidator(s, c, g),
		retryBlockDelay: retryBlockDelay,
		logger:          log.WithComponent("processor"),
	}
}

// Process fetches and processes one block height. On an unexpected
// fault in block-level I/O, an ErrorBlock is recorded and the fetch
// error is still returned to the caller, so a retry sweep only clears
// the ErrorBlock row once a fetch actually succeeds.
func (p *Processor) Process(ctx context.Context, height uint64) (domain.BlockSummary, error) {
	summary := domain.BlockSummary{Height: height}
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.BlockProcessingDuration)

	inscriptionIDs, err := p.gateway.GetBlock(ctx, height)
	if err != nil {
		p.logger.Error().Uint64("height", height).Err(err).Msg("failed to fetch block, recording error block")
		if saveErr := p.store.SaveErrorBlock(ctx, height, height+p.retryBlockDelay); saveErr != nil {
			p.logger.Error().Uint64("height", height).Err(saveErr).Msg("failed to record error block")
		}
		metrics.ErrorBlocksTotal.Inc()
		return summary, fmt.Errorf("fetch block %d: %w", height, err)
	}

	blockValues, err := p.gateway.GetBlockTxValues(ctx, height)
	if err != nil {
		p.logger.Warn().Uint64("height", height).Err(err).Msg("failed to fetch block tx values, pattern derivation skipped")
		blockValues = nil
	}

	for i, inscriptionID := range inscriptionIDs {
		position := i + 1
		p.processOne(ctx, inscriptionID, height, position, blockValues, &summary)
	}

	return summary, nil
}

func (p *Processor) processOne(ctx context.Context, inscriptionID string, height uint64, position int, blockValues []int64, summary *domain.BlockSummary) {
	content, _, err := p.gateway.GetContent(ctx, inscriptionID)
	if err != nil {
		summary.Skipped++
		return
	}

	kind := classify.Classify(string(content))
	metrics.InscriptionsClassifiedTotal.WithLabelValues(kind.String()).Inc()

	switch kind {
	case classify.DeployCandidate:
		p.processDeploy(ctx, string(content), inscriptionID, height, position, summary)
	case classify.MintCandidate:
		p.processMint(ctx, string(content), inscriptionID, height, position, summary)
	case classify.BitmapCandidate:
		p.processBitmap(ctx, string(content), inscriptionID, height, position, blockValues, summary)
	default:
		summary.Skipped++
	}
}

func (p *Processor) processDeploy(ctx context.Context, content, inscriptionID string, height uint64, position int, summary *domain.BlockSummary) {
	d, reason := validate.ParseDeployContent(content, height, position, inscriptionID)
	if reason != validate.ReasonNone {
		summary.Skipped++
		return
	}
	d.ID = inscriptionID
	d.SourceID = inscriptionID
	d.Timestamp = time.Now().UnixMilli()

	output, err := p.gateway.GetOutput(ctx, txidVoutForInscription(inscriptionID))
	if err == nil {
		d.DeployerAddress = output.Address
		d.Wallet = output.Address
	}

	if reason := p.deployValidator.Validate(d); reason != validate.ReasonNone {
		summary.Skipped++
		return
	}

	existing, err := p.store.GetDeploy(ctx, inscriptionID)
	if err != nil {
		p.logger.Warn().Str("inscription_id", inscriptionID).Err(err).Msg("deploy lookup failed")
		summary.Skipped++
		return
	}
	if existing != nil {
		if existing.Wallet != d.Wallet {
			if err := p.store.UpdateDeployWallet(ctx, inscriptionID, d.Wallet, d.Timestamp); err != nil {
				p.logger.Warn().Str("inscription_id", inscriptionID).Err(err).Msg("failed to transfer deploy wallet")
				summary.Skipped++
				return
			}
			if err := p.store.AppendAddressHistory(ctx, domain.AddressHistoryEntry{InscriptionID: inscriptionID, BlockHeight: height, Address: d.Wallet, RecordedAt: time.Now()}); err != nil {
				p.logger.Warn().Str("inscription_id", inscriptionID).Err(err).Msg("failed to append deploy address history")
			}
			return
		}
		summary.Skipped++
		return
	}

	inserted, err := p.store.SaveDeploy(ctx, d)
	if err != nil {
		p.logger.Warn().Str("inscription_id", inscriptionID).Err(err).Msg("failed to save deploy")
		summary.Skipped++
		return
	}
	if !inserted {
		summary.Skipped++
		return
	}
	summary.Deploys++
	metrics.DeploysTotal.Inc()
	if err := p.store.AppendAddressHistory(ctx, domain.AddressHistoryEntry{InscriptionID: inscriptionID, BlockHeight: height, Address: d.Wallet, RecordedAt: time.Now()}); err != nil {
		p.logger.Warn().Str("inscription_id", inscriptionID).Err(err).Msg("failed to append deploy address history")
	}
}

func (p *Processor) processMint(ctx context.Context, content, inscriptionID string, height uint64, position int, summary *domain.BlockSummary) {
	ref := classify.ExtractMintReference(content)
	if ref == "" {
		summary.Skipped++
		return
	}

	txidVout := txidVoutForInscription(inscriptionID)
	outcome := p.mintValidator.Validate(ctx, ref, inscriptionID, txidVout, height, time.Now().UnixMilli(), position)
	if !outcome.Accept {
		summary.Skipped++
		return
	}

	if outcome.WalletTransfer {
		if err := p.store.UpdateMintWallet(ctx, inscriptionID, outcome.Mint.Wallet, height, outcome.Mint.Timestamp); err != nil {
			p.logger.Warn().Str("inscription_id", inscriptionID).Err(err).Msg("failed to transfer mint wallet")
			summary.Skipped++
			return
		}
		if err := p.store.AppendAddressHistory(ctx, domain.AddressHistoryEntry{InscriptionID: inscriptionID, BlockHeight: height, Address: outcome.Mint.Wallet, RecordedAt: time.Now()}); err != nil {
			p.logger.Warn().Str("inscription_id", inscriptionID).Err(err).Msg("failed to append mint address history")
		}
		return
	}

	inserted, err := p.store.SaveMint(ctx, outcome.Mint)
	if err != nil {
		p.logger.Warn().Str("inscription_id", inscriptionID).Err(err).Msg("failed to save mint")
		summary.Skipped++
		return
	}
	if !inserted {
		summary.Skipped++
		return
	}

	if err := p.store.IncrementMintCount(ctx, outcome.Mint.DeployID, outcome.NewMintCount); err != nil {
		p.logger.Warn().Str("deploy_id", outcome.Mint.DeployID).Err(err).Msg("failed to increment mint count")
	}
	if err := p.store.AppendAddressHistory(ctx, domain.AddressHistoryEntry{InscriptionID: inscriptionID, BlockHeight: height, Address: outcome.Mint.Wallet, RecordedAt: time.Now()}); err != nil {
		p.logger.Warn().Str("inscription_id", inscriptionID).Err(err).Msg("failed to append mint address history")
	}
	summary.Mints++
	metrics.MintsTotal.Inc()
}

func (p *Processor) processBitmap(ctx context.Context, content, inscriptionID string, height uint64, position int, blockValues []int64, summary *domain.BlockSummary) {
	numStr := classify.ExtractBitmapNumber(content)
	if numStr == "" {
		summary.Skipped++
		return
	}
	number, err := parseUint(numStr)
	if err != nil {
		summary.Skipped++
		return
	}

	if reason := p.bitmapValidator.Validate(ctx, number, height, inscriptionID); reason != validate.ReasonNone {
		summary.Skipped++
		return
	}

	address := ""
	if output, err := p.gateway.GetOutput(ctx, txidVoutForInscription(inscriptionID)); err == nil {
		address = output.Address
	}

	existing, err := p.store.GetBitmapByNumber(ctx, number)
	if err != nil {
		p.logger.Warn().Uint64("bitmap_number", number).Err(err).Msg("bitmap lookup failed")
		summary.Skipped++
		return
	}
	if existing != nil {
		if existing.Address != address {
			if err := p.store.UpdateBitmapAddress(ctx, inscriptionID, address, height, time.Now().UnixMilli()); err != nil {
				p.logger.Warn().Str("inscription_id", inscriptionID).Err(err).Msg("failed to transfer bitmap address")
				summary.Skipped++
				return
			}
			if err := p.store.AppendAddressHistory(ctx, domain.AddressHistoryEntry{InscriptionID: inscriptionID, BlockHeight: height, Address: address, RecordedAt: time.Now()}); err != nil {
				p.logger.Warn().Str("inscription_id", inscriptionID).Err(err).Msg("failed to append bitmap address history")
			}
			return
		}
		summary.Skipped++
		return
	}

	b := &domain.Bitmap{
		InscriptionID: inscriptionID,
		BlockHeight:   height,
		BitmapNumber:  number,
		Address:       address,
		Content:       content,
		Position:      position,
	}

	inserted, err := p.store.SaveBitmap(ctx, b)
	if err != nil {
		p.logger.Warn().Str("inscription_id", inscriptionID).Err(err).Msg("failed to save bitmap")
		summary.Skipped++
		return
	}
	if !inserted {
		summary.Skipped++
		return
	}
	summary.Bitmaps++
	metrics.BitmapsTotal.Inc()
	if err := p.store.AppendAddressHistory(ctx, domain.AddressHistoryEntry{InscriptionID: inscriptionID, BlockHeight: height, Address: address, RecordedAt: time.Now()}); err != nil {
		p.logger.Warn().Str("inscription_id", inscriptionID).Err(err).Msg("failed to append bitmap address history")
	}

	if blockValues != nil {
		pattern := bitmappattern.Derive(blockValues)
		if err := p.store.SaveBitmapPattern(ctx, number, pattern); err != nil {
			p.logger.Warn().Uint64("bitmap_number", number).Err(err).Msg("failed to save bitmap pattern")
		}
	}
}

func txidVoutForInscription(inscriptionID string) string {
	txidVout, err := gateway.InscriptionIDToTxIDVout(inscriptionID)
	if err != nil {
		return ""
	}
	return txidVout
}

func parseUint(s string) (uint64, error) {
	var n uint64
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, fmt.Errorf("invalid digit in %q", s)
		}
		n = n*10 + uint64(r-'0')
	}
	return n, nil
}
