package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"time"

	"github.com/edgeswarm/coordinator/internal/economy"
	"github.com/edgeswarm/coordinator/internal/mesh"
)

// PeerQuotes collects price quotes from mesh peers for consensus
// rounds. Each peer's reputation becomes its vote weight; unreachable
// peers are skipped, never retried within a round.
type PeerQuotes struct {
	mesh   *mesh.Mesh
	client *http.Client
}

// NewPeerQuotes builds the fetcher with the 5 s peer-call budget.
func NewPeerQuotes(m *mesh.Mesh) *PeerQuotes {
	return &PeerQuotes{
		mesh:   m,
		client: &http.Client{Timeout: 5 * time.Second},
	}
}

// FetchQuotes implements economy.QuoteFetcher.
func (p *PeerQuotes) FetchQuotes(ctx context.Context, resourceClass string) []economy.Quote {
	peers := p.mesh.ListPeers()
	quotes := make([]economy.Quote, 0, len(peers))
	for _, peer := range peers {
		if peer.URL == "" {
			continue
		}
		quote, err := p.fetchOne(ctx, peer.URL, resourceClass)
		if err != nil {
			continue
		}
		if quote.CoordinatorID == "" {
			quote.CoordinatorID = peer.PeerID
		}
		quote.ReputationWeight = p.mesh.Reputation(peer.PeerID)
		quotes = append(quotes, quote)
	}
	return quotes
}

func (p *PeerQuotes) fetchOne(ctx context.Context, peerURL, resourceClass string) (economy.Quote, error) {
	endpoint := peerURL + "/economy/price/quote?resource_class=" + url.QueryEscape(resourceClass)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return economy.Quote{}, err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return economy.Quote{}, err
	}
	defer resp.Body.Close()

	var quote economy.Quote
	if err := json.NewDecoder(resp.Body).Decode(&quote); err != nil {
		return economy.Quote{}, err
	}
	return quote, nil
}
