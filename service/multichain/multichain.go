package multichain

import (
	"context"
	"fmt"

	"github.com/SplitFi/go-salesindexer/service/logger"
	"github.com/SplitFi/go-salesindexer/service/persist"
	"github.com/SplitFi/go-salesindexer/service/rpc"
)

// Provider hands out the chain client of each configured chain
type Provider struct {
	Chains map[persist.Chain]rpc.ChainClient
}

// NewProviderFromEnv dials every endpoint listed in the {CHAIN}_RPC_URLS variables
func NewProviderFromEnv(ctx context.Context) (*Provider, error) {
	p := &Provider{Chains: make(map[persist.Chain]rpc.ChainClient)}
	for _, chain := range ConfiguredChains() {
		urls := RPCURLs(chain)
		endpoints := make([]Endpoint, 0, len(urls))
		for _, url := range urls {
			client, err := rpc.NewEthClient(ctx, url)
			if err != nil {
				logger.For(ctx).WithError(err).Warnf("skipping %s endpoint", chain)
				continue
			}
			endpoints = append(endpoints, Endpoint{Name: rpc.RedactURL(url), Client: client})
		}
		if len(endpoints) == 0 {
			return nil, fmt.Errorf("no reachable endpoint for %s", chain)
		}
		p.Chains[chain] = NewFallbackClient(chain, endpoints...)
		logger.For(ctx).Infof("using %d endpoints for %s", len(endpoints), chain)
	}
	return p, nil
}

// ClientFor returns the client of a chain
func (p *Provider) ClientFor(chain persist.Chain) (rpc.ChainClient, error) {
	c, ok := p.Chains[chain]
	if !ok {
		return nil, fmt.Errorf("no rpc endpoints configured for %s; set %s", chain, RPCURLsKey(chain))
	}
	return c, nil
}
