package indexer

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/hashicorp/go-multierror"

	"github.com/SplitFi/go-salesindexer/contracts"
	"github.com/SplitFi/go-salesindexer/service/persist"
)

// Interface is an ABI the decoder can try a log against
type Interface struct {
	Type string
	ABI  *abi.ABI
}

var (
	ERC721Interface  = Interface{Type: "ERC721", ABI: contracts.ERC721ABI}
	ERC1155Interface = Interface{Type: "ERC1155", ABI: contracts.ERC1155ABI}
	ERC20Interface   = Interface{Type: "ERC20", ABI: contracts.ERC20ABI}
)

// Decoded is a log parsed against one interface
type Decoded struct {
	Type  string
	Event string
	Args  map[string]interface{}
	Log   types.Log
}

// AllFailedError is returned when no candidate interface could parse a log
type AllFailedError struct {
	Log  types.Log
	Errs *multierror.Error
}

func (e AllFailedError) Error() string {
	return fmt.Sprintf("unparsable log %s#%d: %s", e.Log.TxHash.Hex(), e.Log.Index, e.Errs)
}

func (e AllFailedError) Unwrap() error {
	return e.Errs.ErrorOrNil()
}

// CandidateInterfaces orders the token standards before the marketplace's own ABI
func CandidateInterfaces(marketplace ...Interface) []Interface {
	return append([]Interface{ERC721Interface, ERC1155Interface, ERC20Interface}, marketplace...)
}

// Decode tries each candidate in order and returns the first that parses the log
func Decode(log types.Log, candidates ...Interface) (Decoded, error) {
	var errs *multierror.Error
	for _, c := range candidates {
		d, err := decodeWith(log, c)
		if err == nil {
			return d, nil
		}
		errs = multierror.Append(errs, fmt.Errorf("%s: %w", c.Type, err))
	}
	return Decoded{}, AllFailedError{Log: log, Errs: errs}
}

func decodeWith(log types.Log, c Interface) (Decoded, error) {
	if len(log.Topics) == 0 {
		return Decoded{}, fmt.Errorf("anonymous log")
	}
	event, err := c.ABI.EventByID(log.Topics[0])
	if err != nil {
		return Decoded{}, err
	}

	var indexed abi.Arguments
	for _, in := range event.Inputs {
		if in.Indexed {
			indexed = append(indexed, in)
		}
	}
	if len(indexed) != len(log.Topics)-1 {
		return Decoded{}, fmt.Errorf("%s expects %d indexed topics, log has %d", event.Name, len(indexed), len(log.Topics)-1)
	}

	args := make(map[string]interface{}, len(event.Inputs))
	if len(event.Inputs.NonIndexed()) > 0 {
		if err := c.ABI.UnpackIntoMap(args, event.Name, log.Data); err != nil {
			return Decoded{}, fmt.Errorf("unpack %s: %w", event.Name, err)
		}
	}
	if err := abi.ParseTopicsIntoMap(args, indexed, log.Topics[1:]); err != nil {
		return Decoded{}, fmt.Errorf("parse %s topics: %w", event.Name, err)
	}

	return Decoded{Type: c.Type, Event: event.Name, Args: args, Log: log}, nil
}

func (d Decoded) address(name string) persist.Address {
	if a, ok := d.Args[name].(common.Address); ok {
		return persist.NewAddress(a)
	}
	return ""
}

func (d Decoded) bigInt(name string) *big.Int {
	if b, ok := d.Args[name].(*big.Int); ok {
		return b
	}
	return nil
}

func (d Decoded) bigInts(name string) []*big.Int {
	if b, ok := d.Args[name].([]*big.Int); ok {
		return b
	}
	return nil
}

// transferLeg is a token movement found in a transaction's logs
type transferLeg struct {
	Standard string
	Contract persist.Address
	From     persist.Address
	To       persist.Address
	TokenIDs []*big.Int
	Amounts  []*big.Int
	LogIndex uint
}

func (t transferLeg) isNFT() bool {
	return t.Standard == ERC721Interface.Type || t.Standard == ERC1155Interface.Type
}

// total is the summed amount of an ERC-20 leg, or the number of tokens moved by an NFT leg
func (t transferLeg) total() *big.Int {
	sum := new(big.Int)
	for _, a := range t.Amounts {
		sum.Add(sum, a)
	}
	return sum
}

// transferLegs decodes the token transfers among logs. Logs that are not transfers are skipped.
func transferLegs(logs []*types.Log) []transferLeg {
	legs := make([]transferLeg, 0, len(logs))
	for _, l := range logs {
		if l == nil || len(l.Topics) == 0 {
			continue
		}
		switch l.Topics[0] {
		case contracts.TransferTopic, contracts.TransferSingleTopic, contracts.TransferBatchTopic:
		default:
			continue
		}
		d, err := Decode(*l, ERC721Interface, ERC1155Interface, ERC20Interface)
		if err != nil {
			continue
		}
		leg := transferLeg{Standard: d.Type, Contract: persist.NewAddress(l.Address), LogIndex: l.Index}
		switch d.Event {
		case "Transfer":
			leg.From, leg.To = d.address("from"), d.address("to")
			if d.Type == ERC721Interface.Type {
				leg.TokenIDs = []*big.Int{d.bigInt("tokenId")}
				leg.Amounts = []*big.Int{big.NewInt(1)}
			} else {
				leg.Amounts = []*big.Int{d.bigInt("value")}
			}
		case "TransferSingle":
			leg.From, leg.To = d.address("from"), d.address("to")
			leg.TokenIDs = []*big.Int{d.bigInt("id")}
			leg.Amounts = []*big.Int{d.bigInt("value")}
		case "TransferBatch":
			leg.From, leg.To = d.address("from"), d.address("to")
			leg.TokenIDs = d.bigInts("ids")
			leg.Amounts = d.bigInts("values")
		}
		if len(leg.Amounts) == 0 || leg.Amounts[0] == nil {
			continue
		}
		legs = append(legs, leg)
	}
	return legs
}

func tokenIDStrings(ids []*big.Int) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id != nil {
			out = append(out, id.String())
		}
	}
	return out
}
