package persist

import (
	"encoding/json"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

const (
	// ChainETH represents the Ethereum blockchain
	ChainETH Chain = iota
	// ChainArbitrum represents the Arbitrum blockchain
	ChainArbitrum
	// ChainPolygon represents the Polygon/Matic blockchain
	ChainPolygon
	// ChainOptimism represents the Optimism blockchain
	ChainOptimism
	// ChainBase represents the Base blockchain
	ChainBase
	// MaxChainValue is the highest valid chain value, and should always be updated to
	// point to the most recently added chain type.
	MaxChainValue = ChainBase
)

// ZeroAddress is the all-zero address. It doubles as the native token sentinel on most chains.
const ZeroAddress Address = "0x0000000000000000000000000000000000000000"

// polygonNativeAddress is the MATIC system contract used as the native sentinel on Polygon.
const polygonNativeAddress Address = "0x0000000000000000000000000000000000001010"

var chainNames = map[Chain]string{
	ChainETH:      "ethereum",
	ChainArbitrum: "arbitrum",
	ChainPolygon:  "polygon",
	ChainOptimism: "optimism",
	ChainBase:     "base",
}

// Chain represents which blockchain a sale happened on
type Chain int

// Address represents a lower cased, 0x prefixed EVM address
type Address string

// BlockNumber represents an EVM block number
type BlockNumber uint64

// BlockRange is a half open window [StartBlock, EndBlock) of blocks
type BlockRange struct {
	StartBlock BlockNumber `json:"startBlock"`
	EndBlock   BlockNumber `json:"endBlock"`
}

// AllChains returns every supported chain in ascending order.
func AllChains() []Chain {
	chains := make([]Chain, 0, MaxChainValue+1)
	for c := ChainETH; c <= MaxChainValue; c++ {
		chains = append(chains, c)
	}
	return chains
}

// ChainFromString parses a chain name such as "ethereum".
func ChainFromString(s string) (Chain, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for c, name := range chainNames {
		if name == s {
			return c, nil
		}
	}
	return 0, fmt.Errorf("unknown chain %q", s)
}

func (c Chain) String() string {
	if name, ok := chainNames[c]; ok {
		return name
	}
	return fmt.Sprintf("chain(%d)", int(c))
}

// NativeTokenAddress is the sentinel payment address used when a sale is paid in the gas token.
func (c Chain) NativeTokenAddress() Address {
	if c == ChainPolygon {
		return polygonNativeAddress
	}
	return ZeroAddress
}

// IsNativeToken reports whether addr is the native sentinel for c.
func (c Chain) IsNativeToken(addr Address) bool {
	return addr.String() == c.NativeTokenAddress().String()
}

// MarshalJSON writes the chain as its name
func (c Chain) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.String())
}

// UnmarshalJSON accepts either the chain name or its numeric value
func (c *Chain) UnmarshalJSON(data []byte) error {
	var n int
	if err := json.Unmarshal(data, &n); err == nil {
		*c = Chain(n)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ChainFromString(s)
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// UnmarshalText lets viper and yaml decode chain names
func (c *Chain) UnmarshalText(text []byte) error {
	parsed, err := ChainFromString(string(text))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// NewAddress normalizes a go-ethereum address
func NewAddress(a common.Address) Address {
	return Address(strings.ToLower(a.Hex()))
}

// AddressFromHash reads an address from a 32 byte indexed topic
func AddressFromHash(h common.Hash) Address {
	return NewAddress(common.BytesToAddress(h.Bytes()))
}

func (a Address) String() string {
	return strings.ToLower(string(a))
}

// Address returns the go-ethereum address
func (a Address) Address() common.Address {
	return common.HexToAddress(a.String())
}

// MarshalJSON implements the json.Marshaller interface for the address type
func (a Address) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.String())
}

// UnmarshalJSON implements the json.Unmarshaller interface for the address type
func (a *Address) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	*a = Address(strings.ToLower(s))
	return nil
}

// Uint64 returns the block number as a uint64
func (b BlockNumber) Uint64() uint64 {
	return uint64(b)
}

// BigInt returns the block number as a big.Int
func (b BlockNumber) BigInt() *big.Int {
	return new(big.Int).SetUint64(b.Uint64())
}

func (b BlockNumber) String() string {
	return b.BigInt().String()
}

// Hex returns the block number as a hex string
func (b BlockNumber) Hex() string {
	return strings.ToLower(b.BigInt().Text(16))
}
