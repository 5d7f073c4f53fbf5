package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcutil"

	"github.com/fortiblox/cln-floresta/internal/types"
)

// Backend RPC method names.
const (
	MethodGetBlockchainInfo  = "getblockchaininfo"
	MethodGetBlockHash       = "getblockhash"
	MethodGetBlock           = "getblock"
	MethodGetRawTransaction  = "getrawtransaction"
	MethodSendRawTransaction = "sendrawtransaction"
	MethodGetTxOut           = "gettxout"
	MethodEstimateSmartFee   = "estimatesmartfee"
	MethodGetMempoolInfo     = "getmempoolinfo"
)

// EstimateMode selects the estimatesmartfee horizon policy.
type EstimateMode string

// Estimate modes understood by estimatesmartfee.
const (
	EstimateEconomical   EstimateMode = "ECONOMICAL"
	EstimateConservative EstimateMode = "CONSERVATIVE"
)

// ParseEstimateMode parses a case-insensitive mode name.
func ParseEstimateMode(s string) (EstimateMode, error) {
	switch m := EstimateMode(strings.ToUpper(s)); m {
	case EstimateEconomical, EstimateConservative:
		return m, nil
	default:
		return "", fmt.Errorf("unknown estimate mode %q", s)
	}
}

// chainInfoReply accepts both the Floresta and the Bitcoin Core
// getblockchaininfo shapes.
type chainInfoReply struct {
	Chain string `json:"chain"`

	// Floresta
	BestBlock string   `json:"best_block"`
	Height    *uint64  `json:"height"`
	Validated *uint64  `json:"validated"`
	IBD       *bool    `json:"ibd"`
	Progress  *float64 `json:"progress"`

	// Bitcoin Core
	BestBlockHash        string   `json:"bestblockhash"`
	Headers              *uint64  `json:"headers"`
	Blocks               *uint64  `json:"blocks"`
	InitialBlockDownload *bool    `json:"initialblockdownload"`
	VerificationProgress *float64 `json:"verificationprogress"`
}

func (r *chainInfoReply) normalize() (*types.ChainInfo, error) {
	if r.Chain == "" {
		return nil, malformed("getblockchaininfo", errors.New("missing chain"))
	}

	info := &types.ChainInfo{Chain: r.Chain}
	var best string
	switch {
	case r.BestBlockHash != "" && r.Blocks != nil && r.Headers != nil:
		best = r.BestBlockHash
		info.Headers = *r.Headers
		info.Blocks = *r.Blocks
		info.BestHeight = *r.Blocks
		info.IBD = derefBool(r.InitialBlockDownload)
		info.Progress = derefFloat(r.VerificationProgress, 1)
	case r.BestBlock != "" && r.Height != nil:
		best = r.BestBlock
		info.Headers = *r.Height
		info.Blocks = *r.Height
		if r.Validated != nil {
			info.Blocks = *r.Validated
		}
		info.BestHeight = *r.Height
		info.IBD = derefBool(r.IBD)
		info.Progress = derefFloat(r.Progress, 1)
	default:
		return nil, malformed("getblockchaininfo", errors.New("unrecognized shape"))
	}

	hash, err := types.ParseHash(best)
	if err != nil {
		return nil, malformed("getblockchaininfo best block", err)
	}
	info.BestBlock = hash
	if info.Progress < 0 || info.Progress > 1 {
		return nil, malformed("getblockchaininfo", fmt.Errorf("progress %v out of range", info.Progress))
	}
	return info, nil
}

func derefBool(b *bool) bool {
	return b != nil && *b
}

func derefFloat(f *float64, def float64) float64 {
	if f == nil {
		return def
	}
	return *f
}

// GetChainInfo returns the backend's current view of the chain.
func (c *Client) GetChainInfo(ctx context.Context) (*types.ChainInfo, error) {
	var reply *chainInfoReply
	if err := c.call(ctx, MethodGetBlockchainInfo, nil, &reply); err != nil {
		return nil, err
	}
	if reply == nil {
		return nil, Classify(MethodGetBlockchainInfo, malformed("getblockchaininfo", errors.New("null result")))
	}
	info, err := reply.normalize()
	if err != nil {
		return nil, Classify(MethodGetBlockchainInfo, err)
	}
	return info, nil
}

// GetChainTip returns the backend's best block, including during sync.
func (c *Client) GetChainTip(ctx context.Context) (types.ChainTip, error) {
	info, err := c.GetChainInfo(ctx)
	if err != nil {
		return types.ChainTip{}, err
	}
	return info.Tip(), nil
}

// GetBlockHash returns the hash of the main-chain block at height.
func (c *Client) GetBlockHash(ctx context.Context, height uint64) (types.Hash, error) {
	var s *string
	if err := c.call(ctx, MethodGetBlockHash, []interface{}{height}, &s); err != nil {
		return types.Hash{}, err
	}
	if s == nil {
		return types.Hash{}, notFound(MethodGetBlockHash, ReasonBeyondTip, fmt.Sprintf("no block at height %d", height))
	}
	hash, err := types.ParseHash(*s)
	if err != nil {
		return types.Hash{}, Classify(MethodGetBlockHash, malformed("block hash", err))
	}
	return hash, nil
}

// GetBlockByHash returns the raw serialized block with the given hash.
func (c *Client) GetBlockByHash(ctx context.Context, hash types.Hash) (types.HexBytes, error) {
	var raw json.RawMessage
	if err := c.call(ctx, MethodGetBlock, []interface{}{hash.String(), 0}, &raw); err != nil {
		return nil, err
	}
	block, err := decodeRawPayload(raw)
	if err != nil {
		return nil, Classify(MethodGetBlock, malformed("block", err))
	}
	if block == nil {
		return nil, notFound(MethodGetBlock, ReasonUnknown, "block "+hash.String()+" not found")
	}
	return block, nil
}

// GetBlockByHeight resolves height to a hash and fetches that block. A
// failed lookup is tagged StageLookup, a failed fetch StageFetch.
func (c *Client) GetBlockByHeight(ctx context.Context, height uint64) (types.Hash, types.HexBytes, error) {
	hash, err := c.GetBlockHash(ctx, height)
	if err != nil {
		return types.Hash{}, nil, withStage(err, StageLookup)
	}
	block, err := c.GetBlockByHash(ctx, hash)
	if err != nil {
		return types.Hash{}, nil, withStage(err, StageFetch)
	}
	return hash, block, nil
}

// GetBlock fetches the block addressed by ref.
func (c *Client) GetBlock(ctx context.Context, ref types.BlockRef) (types.Hash, types.HexBytes, error) {
	if ref.IsHeight() {
		return c.GetBlockByHeight(ctx, ref.Height())
	}
	block, err := c.GetBlockByHash(ctx, ref.Hash())
	if err != nil {
		return types.Hash{}, nil, withStage(err, StageFetch)
	}
	return ref.Hash(), block, nil
}

// GetRawTransaction returns the raw serialized transaction with txid.
func (c *Client) GetRawTransaction(ctx context.Context, txid types.Hash) (types.HexBytes, error) {
	var raw json.RawMessage
	if err := c.call(ctx, MethodGetRawTransaction, []interface{}{txid.String(), false}, &raw); err != nil {
		return nil, err
	}
	tx, err := decodeRawPayload(raw)
	if err != nil {
		return nil, Classify(MethodGetRawTransaction, malformed("transaction", err))
	}
	if tx == nil {
		return nil, notFound(MethodGetRawTransaction, ReasonUnknown, "transaction "+txid.String()+" not found")
	}
	return tx, nil
}

// BroadcastTransaction submits a raw transaction and returns its txid.
func (c *Client) BroadcastTransaction(ctx context.Context, tx types.HexBytes) (types.Hash, error) {
	var s string
	if err := c.call(ctx, MethodSendRawTransaction, []interface{}{tx.String()}, &s); err != nil {
		return types.Hash{}, err
	}
	txid, err := types.ParseHash(s)
	if err != nil {
		return types.Hash{}, Classify(MethodSendRawTransaction, malformed("txid", err))
	}
	return txid, nil
}

// txOutFields is the Floresta output shape; value is in satoshis.
type txOutFields struct {
	Value        *json.Number `json:"value"`
	ScriptPubKey string       `json:"script_pubkey"`
}

// txOutReply accepts Floresta's wrapped and flat shapes and Bitcoin Core's
// shape, where value is in bitcoin and the script is nested.
type txOutReply struct {
	TxOut *txOutFields `json:"txout"`

	Value             *json.Number `json:"value"`
	ScriptPubKeySnake string       `json:"script_pubkey"`
	ScriptPubKey      *struct {
		Hex string `json:"hex"`
	} `json:"scriptPubKey"`
}

func (r *txOutReply) normalize() (*types.UTXO, error) {
	var (
		sats   int64
		script string
		err    error
	)
	switch {
	case r.ScriptPubKey != nil:
		if r.Value == nil {
			return nil, errors.New("missing value")
		}
		sats, err = types.BTCToSatoshi(*r.Value)
		script = r.ScriptPubKey.Hex
	case r.TxOut != nil:
		if r.TxOut.Value == nil {
			return nil, nil
		}
		sats, err = r.TxOut.Value.Int64()
		script = r.TxOut.ScriptPubKey
	case r.Value != nil:
		sats, err = r.Value.Int64()
		script = r.ScriptPubKeySnake
	default:
		// Floresta answers {} for spent or unknown outputs.
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("value: %w", err)
	}
	if sats < 0 || sats > btcutil.MaxSatoshi {
		return nil, fmt.Errorf("value %d out of range", sats)
	}
	scriptBytes, err := types.DecodeHex(script)
	if err != nil {
		return nil, fmt.Errorf("script: %w", err)
	}
	return &types.UTXO{Amount: btcutil.Amount(sats), Script: scriptBytes}, nil
}

// GetUTXO returns the unspent output at txid:vout, or nil if it is spent
// or unknown.
func (c *Client) GetUTXO(ctx context.Context, txid types.Hash, vout uint32) (*types.UTXO, error) {
	var reply *txOutReply
	if err := c.call(ctx, MethodGetTxOut, []interface{}{txid.String(), vout}, &reply); err != nil {
		if IsCategory(err, CategoryNotFound) {
			return nil, nil
		}
		return nil, err
	}
	if reply == nil {
		return nil, nil
	}
	utxo, err := reply.normalize()
	if err != nil {
		return nil, Classify(MethodGetTxOut, malformed("txout", err))
	}
	return utxo, nil
}

// feeEstimateReply is the estimatesmartfee result.
type feeEstimateReply struct {
	FeeRate *json.Number `json:"feerate"`
	Errors  []string     `json:"errors"`
	Blocks  uint32       `json:"blocks"`
}

// EstimateFeeRate asks the backend for a fee rate to confirm within target
// blocks. A missing estimate is reported as NotReady, never defaulted.
func (c *Client) EstimateFeeRate(ctx context.Context, target uint32, mode EstimateMode) (types.FeeRate, error) {
	params := []interface{}{target}
	if mode != "" {
		params = append(params, string(mode))
	}

	var reply feeEstimateReply
	if err := c.call(ctx, MethodEstimateSmartFee, params, &reply); err != nil {
		return types.FeeRate{}, err
	}
	if reply.FeeRate == nil {
		msg := fmt.Sprintf("no estimate for %d blocks", target)
		if len(reply.Errors) > 0 {
			msg = strings.Join(reply.Errors, "; ")
		}
		return types.FeeRate{}, &Error{
			Category: CategoryNotReady,
			Reason:   ReasonInsufficientData,
			Method:   MethodEstimateSmartFee,
			Message:  msg,
		}
	}
	rate, err := types.FeeRateFromBTCPerKvB(*reply.FeeRate)
	if err != nil {
		return types.FeeRate{}, Classify(MethodEstimateSmartFee, malformed("feerate", err))
	}
	return rate, nil
}

// MempoolInfo holds the fee floors reported by getmempoolinfo.
type MempoolInfo struct {
	Loaded        bool
	Size          uint64
	Bytes         uint64
	MempoolMinFee types.FeeRate
	MinRelayTxFee types.FeeRate
}

type mempoolInfoReply struct {
	Loaded        *bool        `json:"loaded"`
	Size          uint64       `json:"size"`
	Bytes         uint64       `json:"bytes"`
	MempoolMinFee *json.Number `json:"mempoolminfee"`
	MinRelayTxFee *json.Number `json:"minrelaytxfee"`
}

// GetMempoolInfo returns the backend's mempool fee floors.
func (c *Client) GetMempoolInfo(ctx context.Context) (*MempoolInfo, error) {
	var reply *mempoolInfoReply
	if err := c.call(ctx, MethodGetMempoolInfo, nil, &reply); err != nil {
		return nil, err
	}
	if reply == nil || reply.MempoolMinFee == nil || reply.MinRelayTxFee == nil {
		return nil, Classify(MethodGetMempoolInfo, malformed("getmempoolinfo", errors.New("missing fee floors")))
	}

	minFee, err := types.FeeRateFromBTCPerKvB(*reply.MempoolMinFee)
	if err != nil {
		return nil, Classify(MethodGetMempoolInfo, malformed("mempoolminfee", err))
	}
	relayFee, err := types.FeeRateFromBTCPerKvB(*reply.MinRelayTxFee)
	if err != nil {
		return nil, Classify(MethodGetMempoolInfo, malformed("minrelaytxfee", err))
	}

	return &MempoolInfo{
		Loaded:        reply.Loaded == nil || *reply.Loaded,
		Size:          reply.Size,
		Bytes:         reply.Bytes,
		MempoolMinFee: minFee,
		MinRelayTxFee: relayFee,
	}, nil
}

// decodeRawPayload accepts a hex string or a JSON array of bytes.
// A null payload returns nil, nil.
func decodeRawPayload(raw json.RawMessage) (types.HexBytes, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return nil, nil
	}

	switch trimmed[0] {
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, err
		}
		return types.DecodeHex(s)
	case '[':
		var ints []int
		if err := json.Unmarshal(raw, &ints); err != nil {
			return nil, err
		}
		if len(ints) == 0 {
			return nil, types.ErrEmptyHex
		}
		out := make(types.HexBytes, len(ints))
		for i, v := range ints {
			if v < 0 || v > 255 {
				return nil, fmt.Errorf("byte %d out of range at offset %d", v, i)
			}
			out[i] = byte(v)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unexpected payload type %q", trimmed[:1])
	}
}

func notFound(method string, reason Reason, msg string) error {
	return &Error{
		Category: CategoryNotFound,
		Reason:   reason,
		Method:   method,
		Message:  msg,
	}
}
