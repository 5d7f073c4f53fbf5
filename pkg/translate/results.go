package translate

import (
	"github.com/fortiblox/cln-floresta/internal/types"
)

// ChainInfoResult is the getchaininfo result.
type ChainInfoResult struct {
	Chain         string `json:"chain"`
	HeaderCount   uint64 `json:"headercount"`
	BlockCount    uint64 `json:"blockcount"`
	IBD           bool   `json:"ibd"`
	Height        uint64 `json:"height"`
	BestBlockHash string `json:"bestblockhash"`
}

// ChainInfo builds the getchaininfo result from the backend's view.
func ChainInfo(info *types.ChainInfo) (*ChainInfoResult, error) {
	chain, err := ChainName(info.Chain)
	if err != nil {
		return nil, err
	}
	tip := info.Tip()
	return &ChainInfoResult{
		Chain:         chain,
		HeaderCount:   info.Headers,
		BlockCount:    info.Blocks,
		IBD:           !info.Synced(),
		Height:        tip.Height,
		BestBlockHash: tip.Hash.String(),
	}, nil
}

// BlockResult is the getrawblockbyheight and getrawblockbyhash result.
// Both fields are null when the block does not exist yet.
type BlockResult struct {
	BlockHash *string `json:"blockhash"`
	Block     *string `json:"block"`
}

// Block builds a BlockResult for a found block.
func Block(hash types.Hash, raw types.HexBytes) BlockResult {
	h := hash.String()
	b := raw.String()
	return BlockResult{BlockHash: &h, Block: &b}
}

// NoBlock is the BlockResult for a block the backend does not have.
func NoBlock() BlockResult {
	return BlockResult{}
}

// UTXOResult is the getutxout result. Both fields are null for a spent
// or unknown output.
type UTXOResult struct {
	Amount *int64  `json:"amount"`
	Script *string `json:"script"`
}

// UTXO builds the getutxout result. A nil utxo yields the null shape.
func UTXO(u *types.UTXO) UTXOResult {
	if u == nil {
		return UTXOResult{}
	}
	amount := int64(u.Amount)
	script := u.Script.String()
	return UTXOResult{Amount: &amount, Script: &script}
}

// TxResult is the getrawtransaction result.
type TxResult struct {
	Tx string `json:"tx"`
}

// SendResult is the sendrawtransaction result.
type SendResult struct {
	Success bool   `json:"success"`
	ErrMsg  string `json:"errmsg"`
	TxID    string `json:"txid,omitempty"`
}

// Sent builds the result of an accepted broadcast.
func Sent(txid types.Hash) SendResult {
	return SendResult{Success: true, TxID: txid.String()}
}
