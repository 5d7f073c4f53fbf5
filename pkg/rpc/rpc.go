// Package rpc implements the lightningd bcli method dispatch table.
//
// Supported methods:
//   - Chain: getchaininfo
//   - Blocks: getrawblockbyheight, getrawblockbyhash
//   - Transactions: getrawtransaction, sendrawtransaction, getutxout
//   - Fees: estimatefees
//   - Status: getbackendstatus
//
// Every handler validates its parameters completely before touching the
// backend, and reads the shared readiness snapshot to decide whether a
// method that needs the current tip or mempool may run at all.
package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/fortiblox/cln-floresta/internal/types"
	"github.com/fortiblox/cln-floresta/pkg/backend"
	"github.com/fortiblox/cln-floresta/pkg/readiness"
	"github.com/fortiblox/cln-floresta/pkg/translate"
)

// Backend is the facade the handlers call.
type Backend interface {
	GetChainInfo(ctx context.Context) (*types.ChainInfo, error)
	GetBlock(ctx context.Context, ref types.BlockRef) (types.Hash, types.HexBytes, error)
	GetRawTransaction(ctx context.Context, txid types.Hash) (types.HexBytes, error)
	BroadcastTransaction(ctx context.Context, tx types.HexBytes) (types.Hash, error)
	GetUTXO(ctx context.Context, txid types.Hash, vout uint32) (*types.UTXO, error)
	translate.FeeSource
}

// Readiness is the shared backend status handle.
type Readiness interface {
	Status() readiness.Snapshot
	ObserveChainInfo(info *types.ChainInfo)
}

// Config holds dispatcher configuration.
type Config struct {
	// Fees configures estimatefees.
	Fees translate.FeeOptions

	// Endpoints reports backend endpoint health for getbackendstatus
	// (optional).
	Endpoints func() []backend.Endpoint

	// FailureThreshold is reported by getbackendstatus.
	FailureThreshold int

	// OnDispatch is called after every dispatched call (optional).
	OnDispatch func(method string, err *RPCError, d time.Duration)

	// Logger receives handler diagnostics. Defaults to slog.Default().
	Logger *slog.Logger
}

// handlerFunc is a method handler.
type handlerFunc func(ctx context.Context, params json.RawMessage) (interface{}, *RPCError)

type method struct {
	handler     handlerFunc
	usage       string
	description string
}

// Dispatcher maps method names to handlers.
type Dispatcher struct {
	config    Config
	backend   Backend
	readiness Readiness
	logger    *slog.Logger

	// Method handlers
	handlers map[string]method
}

// NewDispatcher creates a dispatcher over the given backend and status handle.
func NewDispatcher(config Config, backend Backend, status Readiness) *Dispatcher {
	d := &Dispatcher{
		config:    config,
		backend:   backend,
		readiness: status,
		logger:    config.Logger,
		handlers:  make(map[string]method),
	}
	if d.logger == nil {
		d.logger = slog.Default()
	}

	d.registerHandlers()

	return d
}

// registerHandlers registers all method handlers.
func (d *Dispatcher) registerHandlers() {
	d.register("getchaininfo", d.getChainInfo, "[last_height]",
		"Get the chain id, the header count, the block count and whether this is IBD.")
	d.register("getrawblockbyheight", d.getRawBlockByHeight, "height",
		"Get the bitcoin block at a given height")
	d.register("getrawblockbyhash", d.getRawBlockByHash, "blockhash",
		"Get the bitcoin block with a given hash")
	d.register("getrawtransaction", d.getRawTransaction, "txid",
		"Get a raw transaction by its id")
	d.register("sendrawtransaction", d.sendRawTransaction, "tx [allowhighfees]",
		"Send a raw transaction to the Bitcoin network.")
	d.register("getutxout", d.getUTXOut, "txid vout",
		"Get information about an output, identified by a {txid} an a {vout}")
	d.register("estimatefees", d.estimateFees, "",
		"Get the urgent, normal and slow Bitcoin feerates as sat/kVB.")
	d.register("getbackendstatus", d.getBackendStatus, "",
		"Get the readiness of the Floresta backend without querying it.")
}

func (d *Dispatcher) register(name string, h handlerFunc, usage, description string) {
	d.handlers[name] = method{handler: h, usage: usage, description: description}
}

// Methods returns the registered methods sorted by name.
func (d *Dispatcher) Methods() []MethodInfo {
	out := make([]MethodInfo, 0, len(d.handlers))
	for name, m := range d.handlers {
		out = append(out, MethodInfo{Name: name, Usage: m.usage, Description: m.description})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Has reports whether name is a registered method.
func (d *Dispatcher) Has(name string) bool {
	_, ok := d.handlers[name]
	return ok
}

// Dispatch routes a call to its handler.
func (d *Dispatcher) Dispatch(ctx context.Context, name string, params json.RawMessage) (interface{}, *RPCError) {
	start := time.Now()

	m, ok := d.handlers[name]
	if !ok {
		rpcErr := NewRPCError(MethodNotFound, fmt.Sprintf("Method not found: %s", name))
		d.observe(name, rpcErr, start)
		return nil, rpcErr
	}

	result, rpcErr := m.handler(ctx, params)
	d.observe(name, rpcErr, start)
	return result, rpcErr
}

func (d *Dispatcher) observe(name string, rpcErr *RPCError, start time.Time) {
	if d.config.OnDispatch != nil {
		d.config.OnDispatch(name, rpcErr, time.Since(start))
	}
}

// Methods returns the method table without binding a backend, for use in
// the plugin manifest before the backend is configured.
func Methods() []MethodInfo {
	return NewDispatcher(Config{}, nil, nil).Methods()
}
