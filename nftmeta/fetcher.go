// Package nftmeta fills in the off-chain half of NFT rows: it walks the
// stubs the log worker left behind, asks the contract for tokenURI/uri,
// fetches the pointed-at JSON over HTTP, IPFS gateways or data: URIs, and
// writes the decoded fields back. Rows that failed are retried after a
// cool-off at half the usual batch size.
package nftmeta

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"

	"github.com/tos-network/ethidx/store"
)

var (
	fetchedMeter = metrics.NewRegisteredMeter("nftmeta/fetched", nil)
	failedMeter  = metrics.NewRegisteredMeter("nftmeta/failed", nil)
)

var (
	selTokenURI = crypto.Keccak256([]byte("tokenURI(uint256)"))[:4]
	selURI      = crypto.Keccak256([]byte("uri(uint256)"))[:4]

	stringType  = mustNewType("string")
	uint256Type = mustNewType("uint256")
)

func mustNewType(t string) abi.Type {
	typ, err := abi.NewType(t, "", nil)
	if err != nil {
		panic(err)
	}
	return typ
}

// defaultGateways are tried in order for ipfs:// URIs.
var defaultGateways = []string{
	"https://ipfs.io/ipfs/",
	"https://cloudflare-ipfs.com/ipfs/",
	"https://gateway.pinata.cloud/ipfs/",
}

const maxMetadataBytes = 1 << 20

// ContractCaller is the eth_call surface. Satisfied by ethrpc.Client.
type ContractCaller interface {
	CallContract(ctx context.Context, to common.Address, data []byte) ([]byte, error)
}

// Storage is the store surface the fetcher consumes. Satisfied by
// store.Store.
type Storage interface {
	ListUnfetchedNfts(ctx context.Context, limit int) ([]store.NftMetadata, error)
	ListFailedNfts(ctx context.Context, limit int, before time.Time) ([]store.NftMetadata, error)
	SaveNftMetadata(ctx context.Context, m *store.NftMetadata) error
	MarkNftFetchFailed(ctx context.Context, tokenAddress string, tokenID *big.Int, fetchErr error) error
}

// Config holds the fetcher settings.
type Config struct {
	// BatchSize is the number of fresh stubs per sweep; failed rows are
	// retried at half this.
	BatchSize int `toml:",omitempty"`

	// Interval is the pause between sweeps.
	Interval time.Duration `toml:",omitempty"`

	// FetchTimeout bounds one HTTP fetch, per gateway.
	FetchTimeout time.Duration `toml:",omitempty"`

	// RetryAfter is the cool-off before a failed row is tried again.
	RetryAfter time.Duration `toml:",omitempty"`
}

// DefaultConfig is the fetcher configuration used when none is supplied.
var DefaultConfig = Config{
	BatchSize:    50,
	Interval:     5 * time.Second,
	FetchTimeout: 10 * time.Second,
	RetryAfter:   24 * time.Hour,
}

// Fetcher is the metadata worker.
type Fetcher struct {
	cfg      Config
	chain    ContractCaller
	store    Storage
	client   *http.Client
	gateways []string
	log      log.Logger
}

// New assembles a metadata fetcher. Zero config fields fall back to
// DefaultConfig.
func New(cfg Config, chain ContractCaller, st Storage) *Fetcher {
	if cfg.BatchSize < 1 {
		cfg.BatchSize = DefaultConfig.BatchSize
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultConfig.Interval
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = DefaultConfig.FetchTimeout
	}
	if cfg.RetryAfter <= 0 {
		cfg.RetryAfter = DefaultConfig.RetryAfter
	}
	return &Fetcher{
		cfg:      cfg,
		chain:    chain,
		store:    st,
		client:   &http.Client{Timeout: cfg.FetchTimeout},
		gateways: defaultGateways,
		log:      log.New("module", "nftmeta"),
	}
}

// Run sweeps stubs until the context is cancelled.
func (f *Fetcher) Run(ctx context.Context) error {
	f.log.Info("Metadata fetcher started", "batch", f.cfg.BatchSize, "interval", f.cfg.Interval)
	ticker := time.NewTicker(f.cfg.Interval)
	defer ticker.Stop()
	for {
		f.runOnce(ctx)
		select {
		case <-ctx.Done():
			f.log.Info("Metadata fetcher stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// runOnce fetches one batch of fresh stubs plus a half batch of cooled-off
// failures.
func (f *Fetcher) runOnce(ctx context.Context) {
	rows, err := f.store.ListUnfetchedNfts(ctx, f.cfg.BatchSize)
	if err != nil {
		f.log.Error("Listing unfetched tokens failed", "err", err)
		return
	}
	cutoff := time.Now().Add(-f.cfg.RetryAfter)
	retries, err := f.store.ListFailedNfts(ctx, f.cfg.BatchSize/2, cutoff)
	if err != nil {
		f.log.Error("Listing failed tokens failed", "err", err)
	} else {
		rows = append(rows, retries...)
	}
	for i := range rows {
		if ctx.Err() != nil {
			return
		}
		f.fetchOne(ctx, &rows[i])
	}
}

func (f *Fetcher) fetchOne(ctx context.Context, row *store.NftMetadata) {
	meta, uri, err := f.resolve(ctx, row)
	if err != nil {
		failedMeter.Mark(1)
		f.log.Debug("Metadata fetch failed", "token", row.TokenAddress, "id", row.TokenID, "err", err)
		if markErr := f.store.MarkNftFetchFailed(ctx, row.TokenAddress, row.TokenID, err); markErr != nil {
			f.log.Warn("Recording fetch failure failed", "token", row.TokenAddress, "err", markErr)
		}
		return
	}

	row.TokenURI = strPtr(uri)
	row.Name = strPtr(meta.Name)
	row.Description = strPtr(meta.Description)
	row.ImageURL = strPtr(f.rewriteIpfs(firstNonEmpty(meta.Image, meta.ImageURL)))
	row.ExternalURL = strPtr(meta.ExternalURL)
	row.AnimationURL = strPtr(f.rewriteIpfs(meta.AnimationURL))
	row.Attributes = meta.Attributes
	if err := f.store.SaveNftMetadata(ctx, row); err != nil {
		f.log.Warn("Saving metadata failed", "token", row.TokenAddress, "id", row.TokenID, "err", err)
		return
	}
	fetchedMeter.Mark(1)
}

// resolve asks the contract for the token URI and follows it.
func (f *Fetcher) resolve(ctx context.Context, row *store.NftMetadata) (*metadata, string, error) {
	uri, err := f.tokenURI(ctx, row)
	if err != nil {
		return nil, "", err
	}
	body, err := f.fetchBody(ctx, uri)
	if err != nil {
		return nil, uri, err
	}
	var meta metadata
	if err := json.Unmarshal(body, &meta); err != nil {
		return nil, uri, fmt.Errorf("metadata is not json: %w", err)
	}
	return &meta, uri, nil
}

func (f *Fetcher) tokenURI(ctx context.Context, row *store.NftMetadata) (string, error) {
	sel := selTokenURI
	if row.TokenType == store.TokenERC1155 {
		sel = selURI
	}
	arg, err := abi.Arguments{{Type: uint256Type}}.Pack(row.TokenID)
	if err != nil {
		return "", err
	}
	out, err := f.chain.CallContract(ctx, common.HexToAddress(row.TokenAddress), append(append([]byte{}, sel...), arg...))
	if err != nil {
		return "", fmt.Errorf("uri call: %w", err)
	}
	vals, err := abi.Arguments{{Type: stringType}}.Unpack(out)
	if err != nil {
		return "", fmt.Errorf("uri decode: %w", err)
	}
	uri, _ := vals[0].(string)
	if uri == "" {
		return "", fmt.Errorf("contract returned an empty uri")
	}
	// ERC-1155 URIs may carry the {id} placeholder, substituted with the
	// zero-padded lowercase hex id.
	if strings.Contains(uri, "{id}") {
		uri = strings.ReplaceAll(uri, "{id}", fmt.Sprintf("%064x", row.TokenID))
	}
	return uri, nil
}

// fetchBody follows one URI to its JSON document.
func (f *Fetcher) fetchBody(ctx context.Context, uri string) ([]byte, error) {
	switch {
	case strings.HasPrefix(uri, "data:"):
		return decodeDataURI(uri)
	case strings.HasPrefix(uri, "ipfs://"):
		path := strings.TrimPrefix(strings.TrimPrefix(uri, "ipfs://"), "ipfs/")
		var lastErr error
		for _, gw := range f.gateways {
			body, err := f.httpGet(ctx, gw+path)
			if err == nil {
				return body, nil
			}
			lastErr = err
		}
		return nil, fmt.Errorf("all gateways failed: %w", lastErr)
	case strings.HasPrefix(uri, "http://"), strings.HasPrefix(uri, "https://"):
		return f.httpGet(ctx, uri)
	default:
		return nil, fmt.Errorf("unsupported uri scheme in %q", uri)
	}
}

func (f *Fetcher) httpGet(ctx context.Context, rawurl string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawurl, nil)
	if err != nil {
		return nil, err
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch %s: status %d", rawurl, resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxMetadataBytes))
}

// rewriteIpfs turns ipfs:// asset links into links through the first
// gateway so they are directly usable.
func (f *Fetcher) rewriteIpfs(link string) string {
	if strings.HasPrefix(link, "ipfs://") {
		return f.gateways[0] + strings.TrimPrefix(strings.TrimPrefix(link, "ipfs://"), "ipfs/")
	}
	return link
}

// decodeDataURI handles inline metadata, base64 or percent-encoded.
func decodeDataURI(uri string) ([]byte, error) {
	comma := strings.IndexByte(uri, ',')
	if comma < 0 {
		return nil, fmt.Errorf("malformed data uri")
	}
	head, payload := uri[:comma], uri[comma+1:]
	if strings.HasSuffix(head, ";base64") {
		return base64.StdEncoding.DecodeString(payload)
	}
	decoded, err := url.PathUnescape(payload)
	if err != nil {
		return nil, err
	}
	return []byte(decoded), nil
}

type metadata struct {
	Name         string          `json:"name"`
	Description  string          `json:"description"`
	Image        string          `json:"image"`
	ImageURL     string          `json:"image_url"`
	ExternalURL  string          `json:"external_url"`
	AnimationURL string          `json:"animation_url"`
	Attributes   json.RawMessage `json:"attributes"`
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
