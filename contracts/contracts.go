// Package contracts holds the ABIs of the token standards and marketplace exchanges the indexer decodes.
package contracts

import (
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
)

// IERC20MetaData contains the Transfer event and the decimals() getter of ERC-20 tokens.
var IERC20MetaData = &bind.MetaData{
	ABI: `[
  {"anonymous":false,"inputs":[
    {"indexed":true,"name":"from","type":"address"},
    {"indexed":true,"name":"to","type":"address"},
    {"indexed":false,"name":"value","type":"uint256"}],
   "name":"Transfer","type":"event"},
  {"constant":true,"inputs":[],"name":"decimals","outputs":[{"name":"","type":"uint8"}],"stateMutability":"view","type":"function"}
]`,
}

// IERC721MetaData contains the Transfer event of ERC-721 tokens. It shares its topic with the ERC-20
// Transfer and is told apart by the indexed token id.
var IERC721MetaData = &bind.MetaData{
	ABI: `[
  {"anonymous":false,"inputs":[
    {"indexed":true,"name":"from","type":"address"},
    {"indexed":true,"name":"to","type":"address"},
    {"indexed":true,"name":"tokenId","type":"uint256"}],
   "name":"Transfer","type":"event"}
]`,
}

// IERC1155MetaData contains the single and batch transfer events of ERC-1155 tokens.
var IERC1155MetaData = &bind.MetaData{
	ABI: `[
  {"anonymous":false,"inputs":[
    {"indexed":true,"name":"operator","type":"address"},
    {"indexed":true,"name":"from","type":"address"},
    {"indexed":true,"name":"to","type":"address"},
    {"indexed":false,"name":"id","type":"uint256"},
    {"indexed":false,"name":"value","type":"uint256"}],
   "name":"TransferSingle","type":"event"},
  {"anonymous":false,"inputs":[
    {"indexed":true,"name":"operator","type":"address"},
    {"indexed":true,"name":"from","type":"address"},
    {"indexed":true,"name":"to","type":"address"},
    {"indexed":false,"name":"ids","type":"uint256[]"},
    {"indexed":false,"name":"values","type":"uint256[]"}],
   "name":"TransferBatch","type":"event"}
]`,
}

// WyvernExchangeMetaData contains the OrdersMatched event of the Wyvern exchange OpenSea ran before Seaport.
var WyvernExchangeMetaData = &bind.MetaData{
	ABI: `[
  {"anonymous":false,"inputs":[
    {"indexed":false,"name":"buyHash","type":"bytes32"},
    {"indexed":false,"name":"sellHash","type":"bytes32"},
    {"indexed":true,"name":"maker","type":"address"},
    {"indexed":true,"name":"taker","type":"address"},
    {"indexed":false,"name":"price","type":"uint256"},
    {"indexed":true,"name":"metadata","type":"bytes32"}],
   "name":"OrdersMatched","type":"event"}
]`,
}

// SeaportMetaData contains the OrderFulfilled event shared by every Seaport release.
var SeaportMetaData = &bind.MetaData{
	ABI: `[
  {"anonymous":false,"inputs":[
    {"indexed":false,"name":"orderHash","type":"bytes32"},
    {"indexed":true,"name":"offerer","type":"address"},
    {"indexed":true,"name":"zone","type":"address"},
    {"indexed":false,"name":"recipient","type":"address"},
    {"components":[
      {"name":"itemType","type":"uint8"},
      {"name":"token","type":"address"},
      {"name":"identifier","type":"uint256"},
      {"name":"amount","type":"uint256"}],
     "indexed":false,"name":"offer","type":"tuple[]"},
    {"components":[
      {"name":"itemType","type":"uint8"},
      {"name":"token","type":"address"},
      {"name":"identifier","type":"uint256"},
      {"name":"amount","type":"uint256"},
      {"name":"recipient","type":"address"}],
     "indexed":false,"name":"consideration","type":"tuple[]"}],
   "name":"OrderFulfilled","type":"event"}
]`,
}

// RaribleExchangeMetaData contains the Match event of the Rarible ExchangeV2. It carries fills only, so
// buyer, seller and payment have to be read from the transaction.
var RaribleExchangeMetaData = &bind.MetaData{
	ABI: `[
  {"anonymous":false,"inputs":[
    {"indexed":false,"name":"leftHash","type":"bytes32"},
    {"indexed":false,"name":"rightHash","type":"bytes32"},
    {"indexed":false,"name":"newLeftFill","type":"uint256"},
    {"indexed":false,"name":"newRightFill","type":"uint256"}],
   "name":"Match","type":"event"}
]`,
}

// Seaport item types
const (
	ItemNative uint8 = iota
	ItemERC20
	ItemERC721
	ItemERC1155
	ItemERC721WithCriteria
	ItemERC1155WithCriteria
)

var (
	ERC20ABI   = mustABI(IERC20MetaData)
	ERC721ABI  = mustABI(IERC721MetaData)
	ERC1155ABI = mustABI(IERC1155MetaData)
	WyvernABI  = mustABI(WyvernExchangeMetaData)
	SeaportABI = mustABI(SeaportMetaData)
	RaribleABI = mustABI(RaribleExchangeMetaData)

	// TransferTopic is shared by ERC-20 and ERC-721 transfers
	TransferTopic       = ERC20ABI.Events["Transfer"].ID
	TransferSingleTopic = ERC1155ABI.Events["TransferSingle"].ID
	TransferBatchTopic  = ERC1155ABI.Events["TransferBatch"].ID
	OrdersMatchedTopic  = WyvernABI.Events["OrdersMatched"].ID
	OrderFulfilledTopic = SeaportABI.Events["OrderFulfilled"].ID
	RaribleMatchTopic   = RaribleABI.Events["Match"].ID
)

// SpentItem is an offer leg of a fulfilled Seaport order
type SpentItem struct {
	ItemType   uint8          `json:"itemType"`
	Token      common.Address `json:"token"`
	Identifier *big.Int       `json:"identifier"`
	Amount     *big.Int       `json:"amount"`
}

// ReceivedItem is a consideration leg of a fulfilled Seaport order
type ReceivedItem struct {
	ItemType   uint8          `json:"itemType"`
	Token      common.Address `json:"token"`
	Identifier *big.Int       `json:"identifier"`
	Amount     *big.Int       `json:"amount"`
	Recipient  common.Address `json:"recipient"`
}

// OrderFulfilled is the unpacked data of a Seaport OrderFulfilled log
type OrderFulfilled struct {
	OrderHash     [32]byte       `json:"orderHash"`
	Recipient     common.Address `json:"recipient"`
	Offer         []SpentItem    `json:"offer"`
	Consideration []ReceivedItem `json:"consideration"`

	Offerer common.Address
	Zone    common.Address
}

// IsNFT reports whether a Seaport item type moves an ERC-721 or ERC-1155 token
func IsNFT(itemType uint8) bool {
	return itemType >= ItemERC721 && itemType <= ItemERC1155WithCriteria
}

func mustABI(m *bind.MetaData) *abi.ABI {
	parsed, err := m.GetAbi()
	if err != nil {
		panic(err)
	}
	return parsed
}
