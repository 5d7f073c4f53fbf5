package rpc

import (
	"context"
	"encoding/json"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fortiblox/cln-floresta/internal/types"
	"github.com/fortiblox/cln-floresta/pkg/backend"
	"github.com/fortiblox/cln-floresta/pkg/readiness"
	"github.com/fortiblox/cln-floresta/pkg/translate"
)

// mockBackend implements Backend and counts every call.
type mockBackend struct {
	calls atomic.Int32

	chainInfo *types.ChainInfo
	blocks    map[uint64]types.HexBytes
	txs       map[types.Hash]types.HexBytes
	utxo      *types.UTXO
	sendErr   error
	err       error
}

func newMockBackend() *mockBackend {
	return &mockBackend{
		chainInfo: &types.ChainInfo{
			Chain:      "bitcoin",
			Headers:    800000,
			Blocks:     800000,
			BestHeight: 800000,
			BestBlock:  fillHash(0xaa),
			Progress:   1,
		},
		blocks: make(map[uint64]types.HexBytes),
		txs:    make(map[types.Hash]types.HexBytes),
	}
}

func fillHash(b byte) types.Hash {
	var h types.Hash
	for i := range h {
		h[i] = b
	}
	return h
}

func (m *mockBackend) GetChainInfo(ctx context.Context) (*types.ChainInfo, error) {
	m.calls.Add(1)
	if m.err != nil {
		return nil, m.err
	}
	info := *m.chainInfo
	return &info, nil
}

func (m *mockBackend) GetBlock(ctx context.Context, ref types.BlockRef) (types.Hash, types.HexBytes, error) {
	m.calls.Add(1)
	if m.err != nil {
		return types.Hash{}, nil, m.err
	}
	if ref.IsHeight() {
		if block, ok := m.blocks[ref.Height()]; ok {
			return fillHash(byte(ref.Height())), block, nil
		}
		return types.Hash{}, nil, &backend.Error{Category: backend.CategoryNotFound, Reason: backend.ReasonBeyondTip}
	}
	for height, block := range m.blocks {
		if fillHash(byte(height)) == ref.Hash() {
			return ref.Hash(), block, nil
		}
	}
	return types.Hash{}, nil, &backend.Error{Category: backend.CategoryNotFound, Code: -5}
}

func (m *mockBackend) GetRawTransaction(ctx context.Context, txid types.Hash) (types.HexBytes, error) {
	m.calls.Add(1)
	if tx, ok := m.txs[txid]; ok {
		return tx, nil
	}
	return nil, &backend.Error{Category: backend.CategoryNotFound, Code: -5}
}

func (m *mockBackend) BroadcastTransaction(ctx context.Context, tx types.HexBytes) (types.Hash, error) {
	m.calls.Add(1)
	if m.sendErr != nil {
		return types.Hash{}, m.sendErr
	}
	return fillHash(tx[0]), nil
}

func (m *mockBackend) GetUTXO(ctx context.Context, txid types.Hash, vout uint32) (*types.UTXO, error) {
	m.calls.Add(1)
	if m.err != nil {
		return nil, m.err
	}
	return m.utxo, nil
}

func (m *mockBackend) EstimateFeeRate(ctx context.Context, target uint32, mode backend.EstimateMode) (types.FeeRate, error) {
	m.calls.Add(1)
	return types.FeeRateFromSatPerKvB(uint64(1000 * target)), nil
}

func (m *mockBackend) GetMempoolInfo(ctx context.Context) (*backend.MempoolInfo, error) {
	m.calls.Add(1)
	return &backend.MempoolInfo{
		Loaded:        true,
		MempoolMinFee: types.FeeRateFromSatPerKvB(1000),
		MinRelayTxFee: types.FeeRateFromSatPerKvB(1000),
	}, nil
}

// mockReadiness implements Readiness with a fixed snapshot.
type mockReadiness struct {
	snapshot readiness.Snapshot
	observed atomic.Int32
}

func (m *mockReadiness) Status() readiness.Snapshot { return m.snapshot }

func (m *mockReadiness) ObserveChainInfo(info *types.ChainInfo) { m.observed.Add(1) }

func newTestDispatcher(state readiness.State) (*Dispatcher, *mockBackend, *mockReadiness) {
	mb := newMockBackend()
	mr := &mockReadiness{snapshot: readiness.Snapshot{State: state, UpdatedAt: time.Now()}}
	if state == readiness.StateReady {
		mr.snapshot.Progress = 1
	}
	return NewDispatcher(Config{FailureThreshold: 3}, mb, mr), mb, mr
}

func dispatch(t *testing.T, d *Dispatcher, method, params string) (interface{}, *RPCError) {
	t.Helper()
	var raw json.RawMessage
	if params != "" {
		raw = json.RawMessage(params)
	}
	return d.Dispatch(context.Background(), method, raw)
}

// toJSON round-trips a result through its wire form.
func toJSON(t *testing.T, v interface{}) map[string]interface{} {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &out))
	return out
}

func errorData(t *testing.T, rpcErr *RPCError) ErrorData {
	t.Helper()
	data, ok := rpcErr.Data.(ErrorData)
	require.True(t, ok, "error data is %T", rpcErr.Data)
	return data
}

func TestGetChainInfo(t *testing.T) {
	d, mb, mr := newTestDispatcher(readiness.StateReady)

	result, rpcErr := dispatch(t, d, "getchaininfo", `[799999]`)
	require.Nil(t, rpcErr)

	got := toJSON(t, result)
	assert.Equal(t, "main", got["chain"])
	assert.Equal(t, float64(800000), got["height"])
	assert.Equal(t, float64(800000), got["headercount"])
	assert.Equal(t, float64(800000), got["blockcount"])
	assert.Equal(t, false, got["ibd"])
	assert.Equal(t, strings.Repeat("aa", 32), got["bestblockhash"])
	assert.Equal(t, int32(1), mb.calls.Load())
	assert.Equal(t, int32(1), mr.observed.Load())
}

func TestGetChainInfoResponseEnvelope(t *testing.T) {
	d, _, _ := newTestDispatcher(readiness.StateReady)

	result, rpcErr := dispatch(t, d, "getchaininfo", "")
	data, err := json.Marshal(NewResponse(json.RawMessage(`1`), result, rpcErr))
	require.NoError(t, err)

	var resp struct {
		ID     int `json:"id"`
		Result struct {
			Height        uint64 `json:"height"`
			BestBlockHash string `json:"bestblockhash"`
		} `json:"result"`
		Error *RPCError `json:"error"`
	}
	require.NoError(t, json.Unmarshal(data, &resp))
	assert.Equal(t, 1, resp.ID)
	assert.Nil(t, resp.Error)
	assert.Equal(t, uint64(800000), resp.Result.Height)
	assert.Equal(t, strings.Repeat("aa", 32), resp.Result.BestBlockHash)
}

func TestGetChainInfoWhileSyncing(t *testing.T) {
	d, mb, mr := newTestDispatcher(readiness.StateReady)
	mb.chainInfo.Blocks = 500000
	mb.chainInfo.IBD = true
	mr.snapshot = readiness.Snapshot{State: readiness.StateSyncing, Progress: 0.6}

	result, rpcErr := dispatch(t, d, "getchaininfo", "")
	assert.Nil(t, result)
	require.NotNil(t, rpcErr)
	assert.Equal(t, BackendNotReady, rpcErr.Code)
	data := errorData(t, rpcErr)
	assert.True(t, data.Retryable)
	require.NotNil(t, data.Progress)
	assert.InDelta(t, 0.6, *data.Progress, 1e-9)
}

func TestGetChainInfoUnknownChain(t *testing.T) {
	d, mb, _ := newTestDispatcher(readiness.StateReady)
	mb.chainInfo.Chain = "liquidv1"

	_, rpcErr := dispatch(t, d, "getchaininfo", "")
	require.NotNil(t, rpcErr)
	assert.Equal(t, TranslationFailed, rpcErr.Code)
}

func TestGetChainInfoUnreachable(t *testing.T) {
	d, mb, _ := newTestDispatcher(readiness.StateReady)
	mb.err = &backend.Error{Category: backend.CategoryUnreachable, Reason: backend.ReasonConnection}

	_, rpcErr := dispatch(t, d, "getchaininfo", "")
	require.NotNil(t, rpcErr)
	assert.Equal(t, BackendUnreachable, rpcErr.Code)
	assert.True(t, errorData(t, rpcErr).Retryable)
}

func TestGetRawBlock(t *testing.T) {
	d, mb, _ := newTestDispatcher(readiness.StateReady)
	mb.blocks[7] = types.HexBytes{0xde, 0xad}

	byHeight, rpcErr := dispatch(t, d, "getrawblockbyheight", `{"height": 7}`)
	require.Nil(t, rpcErr)
	got := toJSON(t, byHeight)
	assert.Equal(t, strings.Repeat("07", 32), got["blockhash"])
	assert.Equal(t, "dead", got["block"])

	byHash, rpcErr := dispatch(t, d, "getrawblockbyhash", `["`+strings.Repeat("07", 32)+`"]`)
	require.Nil(t, rpcErr)
	assert.Equal(t, got, toJSON(t, byHash))
}

func TestGetRawBlockBeyondTip(t *testing.T) {
	d, _, _ := newTestDispatcher(readiness.StateReady)

	result, rpcErr := dispatch(t, d, "getrawblockbyheight", `[800001]`)
	require.Nil(t, rpcErr)
	got := toJSON(t, result)
	assert.Nil(t, got["blockhash"])
	assert.Nil(t, got["block"])
	assert.Contains(t, got, "blockhash")
	assert.Contains(t, got, "block")

	result, rpcErr = dispatch(t, d, "getrawblockbyhash", `["`+strings.Repeat("ff", 32)+`"]`)
	require.Nil(t, rpcErr)
	assert.Equal(t, translate.NoBlock(), result)
}

func TestGetRawTransaction(t *testing.T) {
	d, mb, _ := newTestDispatcher(readiness.StateReady)
	txid := fillHash(0x11)
	mb.txs[txid] = types.HexBytes{0x01, 0x02}

	result, rpcErr := dispatch(t, d, "getrawtransaction", `["`+txid.String()+`"]`)
	require.Nil(t, rpcErr)
	assert.Equal(t, translate.TxResult{Tx: "0102"}, result)

	_, rpcErr = dispatch(t, d, "getrawtransaction", `["`+strings.Repeat("22", 32)+`"]`)
	require.NotNil(t, rpcErr)
	assert.Equal(t, BackendNotFound, rpcErr.Code)
}

func TestSendRawTransaction(t *testing.T) {
	d, _, _ := newTestDispatcher(readiness.StateReady)

	result, rpcErr := dispatch(t, d, "sendrawtransaction", `{"tx": "0a0b", "allowhighfees": true}`)
	require.Nil(t, rpcErr)
	got := toJSON(t, result)
	assert.Equal(t, true, got["success"])
	assert.Equal(t, "", got["errmsg"])
	assert.Equal(t, strings.Repeat("0a", 32), got["txid"])
}

func TestSendRawTransactionRejected(t *testing.T) {
	tests := []struct {
		name   string
		err    *backend.Error
		reason string
	}{
		{
			name: "already in chain",
			err: &backend.Error{Category: backend.CategoryRejected, Reason: backend.ReasonAlreadyInChain,
				Code: -27, Message: "Transaction already in block chain"},
			reason: "already-in-chain",
		},
		{
			name: "fee too low",
			err: &backend.Error{Category: backend.CategoryRejected, Reason: backend.ReasonFeeTooLow,
				Code: -26, Message: "min relay fee not met"},
			reason: "fee-too-low",
		},
	}

	codes := make(map[string]int)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, mb, _ := newTestDispatcher(readiness.StateReady)
			mb.sendErr = tt.err

			result, rpcErr := dispatch(t, d, "sendrawtransaction", `["00"]`)
			assert.Nil(t, result)
			require.NotNil(t, rpcErr)
			assert.Equal(t, BackendRejected, rpcErr.Code)

			data := errorData(t, rpcErr)
			assert.Equal(t, tt.reason, data.Reason)
			assert.False(t, data.Retryable)
			assert.Equal(t, tt.err.Code, data.BackendCode)
			codes[data.Reason] = rpcErr.Code
		})
	}
	assert.Len(t, codes, 2)
}

func TestGetUTXOut(t *testing.T) {
	d, mb, _ := newTestDispatcher(readiness.StateReady)
	mb.utxo = &types.UTXO{Amount: 50000, Script: types.HexBytes{0x00, 0x14}}

	result, rpcErr := dispatch(t, d, "getutxout", `["`+strings.Repeat("33", 32)+`", 1]`)
	require.Nil(t, rpcErr)
	got := toJSON(t, result)
	assert.Equal(t, float64(50000), got["amount"])
	assert.Equal(t, "0014", got["script"])

	mb.utxo = nil
	result, rpcErr = dispatch(t, d, "getutxout", `{"txid": "`+strings.Repeat("33", 32)+`", "vout": 0}`)
	require.Nil(t, rpcErr)
	got = toJSON(t, result)
	assert.Nil(t, got["amount"])
	assert.Nil(t, got["script"])
}

func TestEstimateFees(t *testing.T) {
	d, _, _ := newTestDispatcher(readiness.StateReady)

	result, rpcErr := dispatch(t, d, "estimatefees", "")
	require.Nil(t, rpcErr)
	fees, ok := result.(*translate.FeeEstimates)
	require.True(t, ok)
	assert.Equal(t, uint64(250), fees.FeeRateFloor)
	require.Len(t, fees.FeeRates, 4)
	assert.Equal(t, translate.FeeRateEntry{Blocks: 2, FeeRate: 500}, fees.FeeRates[0])
	assert.Equal(t, translate.FeeRateEntry{Blocks: 100, FeeRate: 25000}, fees.FeeRates[3])
}

func TestSyncingGatesCurrentMethods(t *testing.T) {
	txid := strings.Repeat("44", 32)
	gated := map[string]string{
		"sendrawtransaction": `["00"]`,
		"getutxout":          `["` + txid + `", 0]`,
		"estimatefees":       `[]`,
	}
	for method, params := range gated {
		t.Run(method, func(t *testing.T) {
			d, mb, _ := newTestDispatcher(readiness.StateSyncing)

			result, rpcErr := dispatch(t, d, method, params)
			assert.Nil(t, result)
			require.NotNil(t, rpcErr)
			assert.Equal(t, BackendNotReady, rpcErr.Code)
			assert.Equal(t, int32(0), mb.calls.Load())
		})
	}

	t.Run("historical methods proceed", func(t *testing.T) {
		d, mb, _ := newTestDispatcher(readiness.StateSyncing)
		mb.blocks[3] = types.HexBytes{0x03}

		_, rpcErr := dispatch(t, d, "getrawblockbyheight", `[3]`)
		assert.Nil(t, rpcErr)
		_, rpcErr = dispatch(t, d, "getrawblockbyhash", `["`+strings.Repeat("03", 32)+`"]`)
		assert.Nil(t, rpcErr)
	})
}

func TestUnreachableDoesNotShortCircuit(t *testing.T) {
	d, mb, _ := newTestDispatcher(readiness.StateUnreachable)

	_, rpcErr := dispatch(t, d, "estimatefees", "")
	assert.Nil(t, rpcErr)
	assert.NotZero(t, mb.calls.Load())
}

func TestInvalidParamsNeverReachBackend(t *testing.T) {
	hash := strings.Repeat("ab", 32)
	tests := []struct {
		method string
		params string
	}{
		{"getchaininfo", `["tip"]`},
		{"getchaininfo", `{"last_height": -1}`},
		{"getchaininfo", `[1, 2]`},
		{"getrawblockbyheight", ``},
		{"getrawblockbyheight", `[-1]`},
		{"getrawblockbyheight", `[1.5]`},
		{"getrawblockbyheight", `["100"]`},
		{"getrawblockbyheight", `[4294967296]`},
		{"getrawblockbyheight", `{"blockheight": 1}`},
		{"getrawblockbyhash", `[]`},
		{"getrawblockbyhash", `["abcd"]`},
		{"getrawblockbyhash", `["` + strings.Repeat("zz", 32) + `"]`},
		{"getrawtransaction", `[null]`},
		{"getrawtransaction", `[42]`},
		{"sendrawtransaction", `[""]`},
		{"sendrawtransaction", `["abc"]`},
		{"sendrawtransaction", `["0g"]`},
		{"sendrawtransaction", `["00", "yes"]`},
		{"getutxout", `["` + hash + `"]`},
		{"getutxout", `["` + hash + `", -1]`},
		{"getutxout", `["` + hash + `", 4294967296]`},
		{"estimatefees", `[1]`},
		{"estimatefees", `"fast"`},
		{"getbackendstatus", `{"verbose": true}`},
	}

	for _, tt := range tests {
		t.Run(tt.method+" "+tt.params, func(t *testing.T) {
			d, mb, _ := newTestDispatcher(readiness.StateReady)

			result, rpcErr := dispatch(t, d, tt.method, tt.params)
			assert.Nil(t, result)
			require.NotNil(t, rpcErr)
			assert.Equal(t, InvalidParams, rpcErr.Code)
			assert.Equal(t, int32(0), mb.calls.Load())
		})
	}
}

func TestUnknownMethod(t *testing.T) {
	var observed string
	mb := newMockBackend()
	d := NewDispatcher(Config{
		OnDispatch: func(method string, err *RPCError, _ time.Duration) { observed = method },
	}, mb, &mockReadiness{})

	_, rpcErr := dispatch(t, d, "getblockcount", "")
	require.NotNil(t, rpcErr)
	assert.Equal(t, MethodNotFound, rpcErr.Code)
	assert.Equal(t, "getblockcount", observed)
	assert.False(t, d.Has("getblockcount"))
}

func TestGetBackendStatus(t *testing.T) {
	d, mb, mr := newTestDispatcher(readiness.StateReady)
	mr.snapshot.Chain = "bitcoin"
	mr.snapshot.HasTip = true
	mr.snapshot.Tip = types.ChainTip{Height: 10, Hash: fillHash(0x0c)}

	result, rpcErr := dispatch(t, d, "getbackendstatus", "")
	require.Nil(t, rpcErr)
	status, ok := result.(StatusResult)
	require.True(t, ok)
	assert.Equal(t, "ready", status.State)
	assert.Equal(t, "main", status.Chain)
	require.NotNil(t, status.Height)
	assert.Equal(t, uint64(10), *status.Height)
	assert.Equal(t, strings.Repeat("0c", 32), status.BestBlockHash)
	assert.Equal(t, 3, status.FailureThreshold)
	assert.Empty(t, status.Endpoints)
	assert.Equal(t, int32(0), mb.calls.Load())
}

func TestGetBackendStatusEndpoints(t *testing.T) {
	lastSuccess := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	endpoints := []backend.Endpoint{
		{URL: "http://10.0.0.1:8080", Healthy: false, LastError: backend.ErrClosed},
		{URL: "http://10.0.0.2:8080", Healthy: true, LastSuccess: lastSuccess, Latency: 1500 * time.Microsecond},
	}
	d := NewDispatcher(Config{
		Endpoints: func() []backend.Endpoint { return endpoints },
	}, newMockBackend(), &mockReadiness{})

	result, rpcErr := dispatch(t, d, "getbackendstatus", "")
	require.Nil(t, rpcErr)
	status := result.(StatusResult)
	assert.Equal(t, []EndpointStatus{
		{URL: "http://10.0.0.1:8080", Healthy: false, LastError: backend.ErrClosed.Error()},
		{URL: "http://10.0.0.2:8080", Healthy: true, LastSuccess: "2024-05-01T12:00:00Z", LatencyMS: 1.5},
	}, status.Endpoints)
}

func TestMethods(t *testing.T) {
	d, _, _ := newTestDispatcher(readiness.StateReady)

	var names []string
	for _, m := range d.Methods() {
		names = append(names, m.Name)
		assert.NotEmpty(t, m.Description)
	}
	assert.Equal(t, []string{
		"estimatefees",
		"getbackendstatus",
		"getchaininfo",
		"getrawblockbyhash",
		"getrawblockbyheight",
		"getrawtransaction",
		"getutxout",
		"sendrawtransaction",
	}, names)
	assert.Equal(t, d.Methods(), Methods())
}

func TestToRPCError(t *testing.T) {
	tests := []struct {
		err  error
		code int
	}{
		{&backend.Error{Category: backend.CategoryUnreachable}, BackendUnreachable},
		{&backend.Error{Category: backend.CategoryNotReady}, BackendNotReady},
		{&backend.Error{Category: backend.CategoryRejected}, BackendRejected},
		{&backend.Error{Category: backend.CategoryMalformed}, TranslationFailed},
		{&backend.Error{Category: backend.CategoryNotFound}, BackendNotFound},
		{&backend.Error{Category: backend.CategoryUnsupported}, BackendUnavailable},
		{&backend.Error{Category: backend.CategoryOther}, BackendUnavailable},
		{&translate.Error{Field: "chain", Value: "x", Err: translate.ErrUnknownChain}, TranslationFailed},
		{context.Canceled, BackendUnavailable},
		{InvalidParamsError("bad"), InvalidParams},
	}
	for _, tt := range tests {
		rpcErr := ToRPCError(tt.err)
		require.NotNil(t, rpcErr)
		assert.Equal(t, tt.code, rpcErr.Code, "%v", tt.err)
	}
	assert.Nil(t, ToRPCError(nil))
}
