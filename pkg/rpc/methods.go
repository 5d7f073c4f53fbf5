package rpc

import (
	"context"
	"encoding/json"
	"time"

	"github.com/fortiblox/cln-floresta/internal/types"
	"github.com/fortiblox/cln-floresta/pkg/backend"
	"github.com/fortiblox/cln-floresta/pkg/readiness"
	"github.com/fortiblox/cln-floresta/pkg/translate"
)

// getChainInfo always asks the backend; the tracker is updated as a side effect.
func (d *Dispatcher) getChainInfo(ctx context.Context, raw json.RawMessage) (interface{}, *RPCError) {
	p, rpcErr := parseParams(raw, optional("last_height"))
	if rpcErr != nil {
		return nil, rpcErr
	}
	var lastHeight uint64
	if p.has("last_height") {
		if lastHeight, rpcErr = p.height("last_height"); rpcErr != nil {
			return nil, rpcErr
		}
	}

	info, err := d.backend.GetChainInfo(ctx)
	if err != nil {
		return nil, ToRPCError(err)
	}
	d.readiness.ObserveChainInfo(info)

	if !info.Synced() {
		return nil, NotReadyError("getchaininfo", d.readiness.Status())
	}

	result, err := translate.ChainInfo(info)
	if err != nil {
		return nil, ToRPCError(err)
	}
	if lastHeight > result.Height {
		d.logger.Warn("backend tip is behind lightningd",
			"last_height", lastHeight, "height", result.Height)
	}
	return result, nil
}

func (d *Dispatcher) getRawBlockByHeight(ctx context.Context, raw json.RawMessage) (interface{}, *RPCError) {
	p, rpcErr := parseParams(raw, required("height"))
	if rpcErr != nil {
		return nil, rpcErr
	}
	height, rpcErr := p.height("height")
	if rpcErr != nil {
		return nil, rpcErr
	}
	return d.getBlock(ctx, types.BlockRefHeight(height))
}

func (d *Dispatcher) getRawBlockByHash(ctx context.Context, raw json.RawMessage) (interface{}, *RPCError) {
	p, rpcErr := parseParams(raw, required("blockhash"))
	if rpcErr != nil {
		return nil, rpcErr
	}
	hash, rpcErr := p.hash("blockhash")
	if rpcErr != nil {
		return nil, rpcErr
	}
	return d.getBlock(ctx, types.BlockRefHash(hash))
}

// getBlock serves both block methods. A block the backend does not have
// yields the null shape lightningd polls on.
func (d *Dispatcher) getBlock(ctx context.Context, ref types.BlockRef) (interface{}, *RPCError) {
	hash, block, err := d.backend.GetBlock(ctx, ref)
	if err != nil {
		if backend.IsCategory(err, backend.CategoryNotFound) {
			return translate.NoBlock(), nil
		}
		return nil, ToRPCError(err)
	}
	return translate.Block(hash, block), nil
}

func (d *Dispatcher) getRawTransaction(ctx context.Context, raw json.RawMessage) (interface{}, *RPCError) {
	p, rpcErr := parseParams(raw, required("txid"))
	if rpcErr != nil {
		return nil, rpcErr
	}
	txid, rpcErr := p.hash("txid")
	if rpcErr != nil {
		return nil, rpcErr
	}

	tx, err := d.backend.GetRawTransaction(ctx, txid)
	if err != nil {
		return nil, ToRPCError(err)
	}
	return translate.TxResult{Tx: tx.String()}, nil
}

func (d *Dispatcher) sendRawTransaction(ctx context.Context, raw json.RawMessage) (interface{}, *RPCError) {
	p, rpcErr := parseParams(raw, required("tx"), optional("allowhighfees"))
	if rpcErr != nil {
		return nil, rpcErr
	}
	tx, rpcErr := p.hex("tx")
	if rpcErr != nil {
		return nil, rpcErr
	}
	// Neither backend enforces a maximum fee on this path.
	if _, rpcErr := p.boolean("allowhighfees"); rpcErr != nil {
		return nil, rpcErr
	}
	if rpcErr := d.requireCurrent("sendrawtransaction"); rpcErr != nil {
		return nil, rpcErr
	}

	txid, err := d.backend.BroadcastTransaction(ctx, tx)
	if err != nil {
		return nil, ToRPCError(err)
	}
	return translate.Sent(txid), nil
}

func (d *Dispatcher) getUTXOut(ctx context.Context, raw json.RawMessage) (interface{}, *RPCError) {
	p, rpcErr := parseParams(raw, required("txid"), required("vout"))
	if rpcErr != nil {
		return nil, rpcErr
	}
	txid, rpcErr := p.hash("txid")
	if rpcErr != nil {
		return nil, rpcErr
	}
	vout, rpcErr := p.uint32("vout")
	if rpcErr != nil {
		return nil, rpcErr
	}
	if rpcErr := d.requireCurrent("getutxout"); rpcErr != nil {
		return nil, rpcErr
	}

	utxo, err := d.backend.GetUTXO(ctx, txid, vout)
	if err != nil {
		return nil, ToRPCError(err)
	}
	return translate.UTXO(utxo), nil
}

func (d *Dispatcher) estimateFees(ctx context.Context, raw json.RawMessage) (interface{}, *RPCError) {
	if _, rpcErr := parseParams(raw); rpcErr != nil {
		return nil, rpcErr
	}
	if rpcErr := d.requireCurrent("estimatefees"); rpcErr != nil {
		return nil, rpcErr
	}

	fees, err := translate.EstimateFees(ctx, d.backend, d.config.Fees)
	if err != nil {
		return nil, ToRPCError(err)
	}
	return fees, nil
}

func (d *Dispatcher) getBackendStatus(_ context.Context, raw json.RawMessage) (interface{}, *RPCError) {
	if _, rpcErr := parseParams(raw); rpcErr != nil {
		return nil, rpcErr
	}
	var endpoints []backend.Endpoint
	if d.config.Endpoints != nil {
		endpoints = d.config.Endpoints()
	}
	return NewStatusResult(d.readiness.Status(), d.config.FailureThreshold, endpoints), nil
}

// requireCurrent refuses methods that need the current tip or mempool while
// the backend is known to be syncing. An unreachable backend is left to the
// call itself so the caller sees the real failure.
func (d *Dispatcher) requireCurrent(method string) *RPCError {
	status := d.readiness.Status()
	if status.State == readiness.StateSyncing {
		return NotReadyError(method, status)
	}
	return nil
}

// NewStatusResult converts a readiness snapshot to its wire form.
func NewStatusResult(s readiness.Snapshot, threshold int, endpoints []backend.Endpoint) StatusResult {
	out := StatusResult{
		State:               s.State.String(),
		Progress:            s.Progress,
		Headers:             s.Headers,
		Blocks:              s.Blocks,
		ConsecutiveFailures: s.ConsecutiveFailures,
		FailureThreshold:    threshold,
		LastError:           s.LastError,
		UpdatedAt:           s.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
	if s.Chain != "" {
		if chain, err := translate.ChainName(s.Chain); err == nil {
			out.Chain = chain
		} else {
			out.Chain = s.Chain
		}
	}
	if s.HasTip {
		height := s.Tip.Height
		out.Height = &height
		out.BestBlockHash = s.Tip.Hash.String()
	}
	for _, ep := range endpoints {
		es := EndpointStatus{URL: ep.URL, Healthy: ep.Healthy}
		if ep.LastError != nil {
			es.LastError = ep.LastError.Error()
		}
		if !ep.LastSuccess.IsZero() {
			es.LastSuccess = ep.LastSuccess.UTC().Format(time.RFC3339Nano)
			es.LatencyMS = float64(ep.Latency.Microseconds()) / 1000
		}
		out.Endpoints = append(out.Endpoints, es)
	}
	return out
}
