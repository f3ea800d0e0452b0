// Package validate implements the per-kind acceptance predicates for
// deploy, bitmap, and mint candidates: schema shape, chain-height
// sanity, duplicate detection, royalty-payment verification, MIME
// match, and supply-cap enforcement.
package validate

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/brc420/ordindexer/pkg/cache"
	"github.com/brc420/ordindexer/pkg/domain"
	"github.com/brc420/ordindexer/pkg/gateway"
	"github.com/brc420/ordindexer/pkg/gwerr"
	"github.com/brc420/ordindexer/pkg/log"
	"github.com/brc420/ordindexer/pkg/metrics"
	"github.com/brc420/ordindexer/pkg/store"
	"github.com/rs/zerolog"
)

// Reason tags why a candidate was rejected. Consumed only by metrics
// and logs; never surfaced to API clients.
type Reason string

const (
	ReasonNone            Reason = ""
	ReasonSchemaInvalid   Reason = "schema_invalid"
	ReasonBlockTooEarly   Reason = "block_too_early"
	ReasonDuplicateBitmap Reason = "duplicate_bitmap"
	ReasonDeployMissing   Reason = "deploy_missing"
	ReasonSupplyExceeded  Reason = "supply_exceeded"
	ReasonMimeMismatch    Reason = "mime_mismatch"
	ReasonRoyaltyUnpaid   Reason = "royalty_unpaid"
	ReasonGatewayFailure  Reason = "gateway_failure"
)

// deployShape mirrors the JSON deploy content contract:
// {"p":"brc-420","op":"deploy","id":"...","name":"...","max":N,"price":D}
type deployShape struct {
	P     string      `json:"p"`
	Op    string      `json:"op"`
	ID    string      `json:"id"`
	Name  string      `json:"name"`
	Max   int64       `json:"max"`
	Price json.Number `json:"price"`
}

var priceFractionPattern = regexp.MustCompile(`^\d+(\.\d{1,8})?$`)

// ParseDeployContent parses and schema-validates raw deploy JSON
// content, per the deploy validator rules.
func ParseDeployContent(content string, blockHeight uint64, position int, sourceID string) (*domain.Deploy, Reason) {
	var shape deployShape
	if err := json.Unmarshal([]byte(content), &shape); err != nil {
		return nil, ReasonSchemaInvalid
	}

	if shape.P != "brc-420" || shape.Op != "deploy" {
		return nil, ReasonSchemaInvalid
	}
	if shape.ID == "" || shape.Name == "" {
		return nil, ReasonSchemaInvalid
	}
	if shape.Max <= 0 {
		return nil, ReasonSchemaInvalid
	}
	if !priceFractionPattern.MatchString(shape.Price.String()) {
		return nil, ReasonSchemaInvalid
	}
	priceValue, err := strconv.ParseFloat(shape.Price.String(), 64)
	if err != nil || priceValue <= 0 {
		return nil, ReasonSchemaInvalid
	}
	if blockHeight == 0 || position <= 0 || sourceID == "" {
		return nil, ReasonSchemaInvalid
	}

	return &domain.Deploy{
		ID:          shape.ID,
		Protocol:    shape.P,
		Op:          shape.Op,
		Name:        shape.Name,
		Max:         shape.Max,
		Price:       shape.Price.String(),
		BlockHeight: blockHeight,
		Position:    position,
		SourceID:    sourceID,
	}, ReasonNone
}

// DeployValidator enforces deploy schema shape; a deployer address is
// supplied by the caller from the inscription's reveal transaction,
// outside the JSON content itself.
type DeployValidator struct {
	logger zerolog.Logger
}

// NewDeployValidator builds a DeployValidator.
func NewDeployValidator() *DeployValidator {
	return &DeployValidator{logger: log.WithComponent("validate.deploy")}
}

// Validate confirms d has a non-empty deployer address, positive
// timestamp and the other attributes ParseDeployContent already checked.
func (v *DeployValidator) Validate(d *domain.Deploy) Reason {
	if d.DeployerAddress == "" || d.Timestamp <= 0 {
		return ReasonSchemaInvalid
	}
	return ReasonNone
}

// BitmapValidator enforces schema plus height sanity and first-seen
// uniqueness on bitmap_number.
type BitmapValidator struct {
	store  store.Store
	logger zerolog.Logger
}

// NewBitmapValidator builds a BitmapValidator.
func NewBitmapValidator(s store.Store) *BitmapValidator {
	return &BitmapValidator{store: s, logger: log.WithComponent("validate.bitmap")}
}

// Validate checks bitmapNumber <= blockHeight and that no bitmap has
// already claimed bitmapNumber. A bitmap_number already claimed by
// inscriptionID itself is not a duplicate: that is a resubmission of
// the same inscription (a retried block), which the caller resolves
// into either a no-op or an address-transfer update rather than an
// insert.
func (v *BitmapValidator) Validate(ctx context.Context, bitmapNumber, blockHeight uint64, inscriptionID string) Reason {
	if bitmapNumber > blockHeight {
		metrics.ValidationOutcomesTotal.WithLabelValues("bitmap", string(ReasonBlockTooEarly)).Inc()
		return ReasonBlockTooEarly
	}

	existing, err := v.store.GetBitmapByNumber(ctx, bitmapNumber)
	if err != nil {
		v.logger.Warn().Uint64("bitmap_number", bitmapNumber).Err(err).Msg("bitmap duplicate lookup failed")
		metrics.ValidationOutcomesTotal.WithLabelValues("bitmap", string(ReasonGatewayFailure)).Inc()
		return ReasonGatewayFailure
	}
	if existing != nil && existing.InscriptionID != inscriptionID {
		metrics.ValidationOutcomesTotal.WithLabelValues("bitmap", string(ReasonDuplicateBitmap)).Inc()
		return ReasonDuplicateBitmap
	}

	metrics.ValidationOutcomesTotal.WithLabelValues("bitmap", "accepted").Inc()
	return ReasonNone
}

// MintValidator implements the 7-step short-circuiting mint pipeline,
// in this order: parent deploy lookup, maxed-out early exit, mint
// address lookup, existing-row check, royalty-payment verification,
// supply-cap check, and MIME-match check.
type MintValidator struct {
	store   store.Store
	cache   cache.Cache
	gateway *gateway.Client
	logger  zerolog.Logger
}

// NewMintValidator builds a MintValidator with only the
// collaborators it needs.
func NewMintValidator(s store.Store, c cache.Cache, g *gateway.Client) *MintValidator {
	return &MintValidator{store: s, cache: c, gateway: g, logger: log.WithComponent("validate.mint")}
}

// Outcome is the result of running the mint pipeline: either a
// ready-to-save Mint plus an increment target, a wallet-transfer
// update to an existing row, or a rejection reason.
type Outcome struct {
	Accept         bool
	Mint           *domain.Mint
	WalletTransfer bool
	NewMintCount   int64
	Reason         Reason
}

// Validate runs the full pipeline for one mint candidate.
// deployRefID is the id extracted from the "/content/<id>" body;
// inscriptionID/txidVout/blockHeight/timestamp/position describe the
// candidate inscription itself.
func (v *MintValidator) Validate(ctx context.Context, deployRefID, inscriptionID, txidVout string, blockHeight uint64, timestamp int64, position int) Outcome {
	// Step 1: resolve parent deploy.
	deploy, err := v.store.GetDeploy(ctx, deployRefID)
	if err != nil {
		v.logger.Warn().Str("deploy_id", deployRefID).Err(err).Msg("deploy lookup failed")
		return v.reject(ReasonGatewayFailure)
	}
	if deploy == nil {
		return v.reject(ReasonDeployMissing)
	}

	// Step 2: early-exit on known-maxed-out deploys.
	if v.cache.IsMaxedOut(deployRefID) {
		return v.reject(ReasonSupplyExceeded)
	}

	// Step 3: resolve mint address via gateway output lookup.
	output, err := v.gateway.GetOutput(ctx, txidVout)
	if err != nil {
		if gwerr.IsNotFound(err) {
			return v.reject(ReasonSchemaInvalid)
		}
		return v.reject(ReasonGatewayFailure)
	}

	// Step 4: existing row → wallet transfer or no-op.
	existing, err := v.store.GetMint(ctx, inscriptionID)
	if err != nil {
		return v.reject(ReasonGatewayFailure)
	}
	if existing != nil {
		if existing.Wallet != output.Address {
			return Outcome{Accept: true, WalletTransfer: true, Mint: &domain.Mint{InscriptionID: inscriptionID, Wallet: output.Address, BlockHeight: blockHeight, Timestamp: timestamp}}
		}
		return Outcome{Accept: false, Reason: ReasonNone} // no-op, already up to date
	}

	// Step 5: royalty payment check.
	paid, err := v.royaltyPaid(ctx, output.Address, deploy.DeployerAddress, deploy.Price)
	if err != nil {
		return v.reject(ReasonGatewayFailure)
	}
	if !paid {
		return v.reject(ReasonRoyaltyUnpaid)
	}

	// Step 6: supply check.
	newCount := deploy.MintCount + 1
	if newCount > deploy.Max {
		v.cache.MarkMaxedOut(ctx, deployRefID)
		return v.reject(ReasonSupplyExceeded)
	}

	// Step 7: MIME match between mint content and deploy's referenced source.
	mintMime, err := v.gateway.GetContentType(ctx, inscriptionID)
	if err != nil {
		return v.reject(ReasonGatewayFailure)
	}
	sourceMime, err := v.gateway.GetContentType(ctx, deploy.SourceID)
	if err != nil {
		return v.reject(ReasonGatewayFailure)
	}
	if mintMime != sourceMime {
		return v.reject(ReasonMimeMismatch)
	}

	if newCount >= deploy.Max {
		v.cache.MarkMaxedOut(ctx, deployRefID)
	}

	metrics.ValidationOutcomesTotal.WithLabelValues("mint", "accepted").Inc()
	return Outcome{
		Accept:       true,
		NewMintCount: newCount,
		Mint: &domain.Mint{
			InscriptionID: inscriptionID,
			DeployID:      deployRefID,
			SourceID:      deploy.SourceID,
			MintAddress:   output.Address,
			TransactionID: strings.SplitN(txidVout, ":", 2)[0],
			BlockHeight:   blockHeight,
			Timestamp:     timestamp,
			Position:      position,
			Wallet:        output.Address,
		},
	}
}

func (v *MintValidator) reject(reason Reason) Outcome {
	metrics.ValidationOutcomesTotal.WithLabelValues("mint", string(reason)).Inc()
	return Outcome{Accept: false, Reason: reason}
}

// royaltyPaid searches mintAddress's transaction outputs for a
// payment of at least floor(price * 10^8) satoshis to deployerAddress.
func (v *MintValidator) royaltyPaid(ctx context.Context, mintAddress, deployerAddress, price string) (bool, error) {
	priceValue, err := strconv.ParseFloat(price, 64)
	if err != nil {
		return false, fmt.Errorf("parse price %q: %w", price, err)
	}
	minSats := int64(math.Floor(priceValue * 1e8))

	txs, err := v.gateway.GetAddressTxs(ctx, mintAddress)
	if err != nil {
		return false, err
	}
	for _, tx := range txs {
		for _, out := range tx.Vout {
			if out.ScriptPubKeyAddress == deployerAddress && out.Value >= minSats {
				return true, nil
			}
		}
	}
	return false, nil
}
