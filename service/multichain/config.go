package multichain

import (
	"fmt"
	"strings"

	"github.com/SplitFi/go-salesindexer/env"
	"github.com/SplitFi/go-salesindexer/service/persist"
)

// RPCURLsKey is the environment variable listing a chain's endpoints, e.g. ETHEREUM_RPC_URLS
func RPCURLsKey(chain persist.Chain) string {
	return fmt.Sprintf("%s_RPC_URLS", strings.ToUpper(chain.String()))
}

// RPCURLs returns the configured endpoints of a chain in priority order
func RPCURLs(chain persist.Chain) []string {
	return env.GetStringSlice(RPCURLsKey(chain))
}

// ConfiguredChains returns the chains that have at least one endpoint
func ConfiguredChains() []persist.Chain {
	chains := make([]persist.Chain, 0)
	for _, chain := range persist.AllChains() {
		if len(RPCURLs(chain)) > 0 {
			chains = append(chains, chain)
		}
	}
	return chains
}
