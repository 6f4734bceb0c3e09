package decoder

import (
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/web3ekko/ekko-explain/pkg/blockchain"
)

// TransferTopic is keccak256("Transfer(address,address,uint256)")
var TransferTopic = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))

// Transfer is a decoded ERC-20 Transfer event. Addresses are lower-case hex.
type Transfer struct {
	Token    string
	From     string
	To       string
	Amount   *big.Int
	LogIndex uint
}

// DecodeTransfers extracts ERC-20 transfers from receipt logs in log order.
// ERC-721 transfers share the topic but index the token id, so they carry
// four topics and are skipped along with anything else malformed.
func DecodeTransfers(logs []*types.Log) []Transfer {
	var out []Transfer
	for _, l := range logs {
		if l == nil || len(l.Topics) != 3 || l.Topics[0] != TransferTopic || len(l.Data) != 32 {
			continue
		}
		values, err := blockchain.ERC20ABI.Unpack("Transfer", l.Data)
		if err != nil || len(values) != 1 {
			continue
		}
		amount, ok := values[0].(*big.Int)
		if !ok {
			continue
		}
		out = append(out, Transfer{
			Token:    lowerHex(l.Address),
			From:     lowerHex(common.BytesToAddress(l.Topics[1].Bytes())),
			To:       lowerHex(common.BytesToAddress(l.Topics[2].Bytes())),
			Amount:   amount,
			LogIndex: l.Index,
		})
	}
	return out
}

func lowerHex(a common.Address) string {
	return strings.ToLower(a.Hex())
}
