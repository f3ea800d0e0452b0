package processor

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/brc420/ordindexer/pkg/cache"
	"github.com/brc420/ordindexer/pkg/config"
	"github.com/brc420/ordindexer/pkg/gateway"
	"github.com/brc420/ordindexer/pkg/store"
	"github.com/stretchr/testify/require"
)

const (
	deployID = "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaai0"
	mintID   = "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbi0"
	bitmapID = "cccccccccccccccccccccccccccccccccccccccccccccccccccccccccccccci0"

	deployerAddress = "bc1qdeployer"
	minterAddress   = "bc1qminter"
)

func txidVout(t *testing.T, id string) string {
	t.Helper()
	tv, err := gateway.InscriptionIDToTxIDVout(id)
	require.NoError(t, err)
	return tv
}

// outputAddresses holds the current holder address for each reveal
// txid:vout the test server answers, mutable between Process calls so
// a test can simulate the underlying UTXO moving to a new owner.
type outputAddresses struct {
	mu     sync.Mutex
	deploy string
	mint   string
	bitmap string
}

func (o *outputAddresses) set(deploy, mint, bitmap string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.deploy, o.mint, o.bitmap = deploy, mint, bitmap
}

func (o *outputAddresses) get() (deploy, mint, bitmap string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.deploy, o.mint, o.bitmap
}

func newTestServer(t *testing.T) (*httptest.Server, *outputAddresses) {
	t.Helper()
	deployTxidVout := txidVout(t, deployID)
	mintTxidVout := txidVout(t, mintID)
	bitmapTxidVout := txidVout(t, bitmapID)

	addrs := &outputAddresses{}
	addrs.set(deployerAddress, minterAddress, "bc1qbitmapowner")

	mux := http.NewServeMux()

	mux.HandleFunc("/block/200", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"inscriptions": []string{deployID, mintID, bitmapID},
		})
	})
	mux.HandleFunc("/block/200/txvalues", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode([]int64{0, 100_000_000})
	})

	mux.HandleFunc("/content/", func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimPrefix(r.URL.Path, "/content/")
		switch id {
		case deployID:
			w.Header().Set("Content-Type", "image/png")
			if r.Method == http.MethodGet {
				fmt.Fprint(w, `{"p":"brc-420","op":"deploy","id":"x","name":"widgets","max":10,"price":"0.001"}`)
			}
		case mintID:
			w.Header().Set("Content-Type", "image/png")
			if r.Method == http.MethodGet {
				fmt.Fprintf(w, "/content/%s", deployID)
			}
		case bitmapID:
			w.Header().Set("Content-Type", "text/plain")
			if r.Method == http.MethodGet {
				fmt.Fprint(w, "100.bitmap")
			}
		default:
			http.NotFound(w, r)
		}
	})

	mux.HandleFunc("/output/", func(w http.ResponseWriter, r *http.Request) {
		tv := strings.TrimPrefix(r.URL.Path, "/output/")
		deployAddr, mintAddr, bitmapAddr := addrs.get()
		switch tv {
		case deployTxidVout:
			_ = json.NewEncoder(w).Encode(gateway.Output{Address: deployAddr, Value: 0})
		case mintTxidVout:
			_ = json.NewEncoder(w).Encode(gateway.Output{Address: mintAddr, Value: 0})
		case bitmapTxidVout:
			_ = json.NewEncoder(w).Encode(gateway.Output{Address: bitmapAddr, Value: 0})
		default:
			http.NotFound(w, r)
		}
	})

	mux.HandleFunc("/address/", func(w http.ResponseWriter, r *http.Request) {
		if strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/address/"), "/txs") != minterAddress {
			http.NotFound(w, r)
			return
		}
		_ = json.NewEncoder(w).Encode([]gateway.AddressTx{
			{Vout: []gateway.AddressTxVout{{ScriptPubKeyAddress: deployerAddress, Value: 100_000}}},
		})
	})

	return httptest.NewServer(mux), addrs
}

func newTestProcessor(t *testing.T) (*Processor, store.Store, *outputAddresses) {
	t.Helper()
	srv, addrs := newTestServer(t)
	t.Cleanup(srv.Close)

	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "processor.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	c, err := cache.New("redis://localhost:16399/0", cache.DefaultRemoteTTL)
	require.NoError(t, err)

	cfg := &config.Config{
		APIURL:             srv.URL,
		APIWalletURL:       srv.URL,
		MaxRetries:         1,
		RetryDelay:         10 * time.Millisecond,
		RoyaltyRetryBudget: 1,
		RecoveryPause:      10 * time.Millisecond,
	}
	g := gateway.NewClient(cfg)

	return New(g, s, c, 6), s, addrs
}

func TestProcessAcceptsDeployMintAndBitmap(t *testing.T) {
	p, s, _ := newTestProcessor(t)
	ctx := context.Background()

	summary, err := p.Process(ctx, 200)
	require.NoError(t, err)

	require.Equal(t, 1, summary.Deploys)
	require.Equal(t, 1, summary.Mints)
	require.Equal(t, 1, summary.Bitmaps)

	deploy, err := s.GetDeploy(ctx, deployID)
	require.NoError(t, err)
	require.NotNil(t, deploy)
	require.Equal(t, deployerAddress, deploy.DeployerAddress)
	require.Equal(t, int64(1), deploy.MintCount)

	mint, err := s.GetMint(ctx, mintID)
	require.NoError(t, err)
	require.NotNil(t, mint)
	require.Equal(t, minterAddress, mint.MintAddress)

	bitmap, err := s.GetBitmapByNumber(ctx, 100)
	require.NoError(t, err)
	require.NotNil(t, bitmap)

	pattern, err := s.GetBitmapPattern(ctx, 100)
	require.NoError(t, err)
	require.Equal(t, "13", pattern)
}

func TestProcessRecordsErrorBlockOnBlockFetchFailure(t *testing.T) {
	p, s, _ := newTestProcessor(t)
	ctx := context.Background()

	summary, err := p.Process(ctx, 999)
	require.Error(t, err)
	require.Equal(t, 0, summary.Deploys)

	due, err := s.ListDueErrorBlocks(ctx, 999+6)
	require.NoError(t, err)
	require.Len(t, due, 1)
	require.Equal(t, uint64(999), due[0].BlockHeight)
}

// TestProcessReprocessingSameBlockTransfersOwnership exercises a
// retried block (same height, same inscription ids) where the
// underlying reveal UTXOs have since moved to new holders: each kind's
// existing row is updated in place rather than re-inserted, and the
// address-history audit table gains one entry per transfer.
func TestProcessReprocessingSameBlockTransfersOwnership(t *testing.T) {
	p, s, addrs := newTestProcessor(t)
	ctx := context.Background()

	_, err := p.Process(ctx, 200)
	require.NoError(t, err)

	newDeployerAddress := "bc1qnewdeployer"
	newMinterAddress := "bc1qnewminter"
	newBitmapOwner := "bc1qnewbitmapowner"
	addrs.set(newDeployerAddress, newMinterAddress, newBitmapOwner)

	summary, err := p.Process(ctx, 200)
	require.NoError(t, err)
	require.Equal(t, 0, summary.Deploys, "a transferred deploy is not re-inserted")
	require.Equal(t, 0, summary.Mints, "a transferred mint is not re-inserted")
	require.Equal(t, 0, summary.Bitmaps, "a transferred bitmap is not re-inserted")

	deploy, err := s.GetDeploy(ctx, deployID)
	require.NoError(t, err)
	require.Equal(t, newDeployerAddress, deploy.Wallet)
	require.Equal(t, int64(1), deploy.MintCount, "mint count is untouched by a wallet transfer")

	mint, err := s.GetMint(ctx, mintID)
	require.NoError(t, err)
	require.Equal(t, newMinterAddress, mint.Wallet)
	require.NotNil(t, mint.PreviousWallet)
	require.Equal(t, minterAddress, *mint.PreviousWallet)

	bitmap, err := s.GetBitmapByNumber(ctx, 100)
	require.NoError(t, err)
	require.Equal(t, newBitmapOwner, bitmap.Address)

	deployHistory, err := s.ListAddressHistory(ctx, deployID, 10, 0)
	require.NoError(t, err)
	require.Len(t, deployHistory, 2)
	require.Equal(t, newDeployerAddress, deployHistory[1].Address)

	mintHistory, err := s.ListAddressHistory(ctx, mintID, 10, 0)
	require.NoError(t, err)
	require.Len(t, mintHistory, 2)
	require.Equal(t, newMinterAddress, mintHistory[1].Address)

	bitmapHistory, err := s.ListAddressHistory(ctx, bitmapID, 10, 0)
	require.NoError(t, err)
	require.Len(t, bitmapHistory, 2)
	require.Equal(t, newBitmapOwner, bitmapHistory[1].Address)
}
