package economy

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/edgeswarm/coordinator/internal/cryptoutil"
)

var logger = log.New(os.Stdout, "[ECONOMY] ", log.LstdFlags)

// FloorPriceSats is the minimum per-compute-unit price; it also serves
// as the sats-per-credit rate before the first cpu price epoch exists.
const FloorPriceSats = 10.0

// Weight clamp band for peer quotes.
const (
	minQuoteWeight = 1
	maxQuoteWeight = 500
)

// selfQuoteWeight is the reputation weight the coordinator assigns to
// its own quote in a consensus round.
const selfQuoteWeight = 100

// CapacitySignals is the swarm load snapshot feeding pricing and
// issuance.
type CapacitySignals struct {
	CPUCapacity  float64 `json:"cpu_capacity"`
	GPUCapacity  float64 `json:"gpu_capacity"`
	QueuedTasks  int     `json:"queued_tasks"`
	ActiveAgents int     `json:"active_agents"`
}

// PriceEpoch is one persisted consensus price for a resource class.
type PriceEpoch struct {
	EpochID                 string   `json:"epoch_id"`
	CoordinatorID           string   `json:"coordinator_id"`
	ResourceClass           string   `json:"resource_class"`
	PricePerComputeUnitSats float64  `json:"price_per_compute_unit_sats"`
	SupplyIndex             float64  `json:"supply_index"`
	DemandIndex             float64  `json:"demand_index"`
	NegotiatedWith          []string `json:"negotiated_with"`
	Signature               string   `json:"signature"`
	CreatedAtMs             int64    `json:"created_at_ms"`
}

func (e PriceEpoch) signingBytes() []byte {
	e.Signature = ""
	b, _ := json.Marshal(e)
	return b
}

// Quote is one coordinator's price opinion with its reputation weight.
type Quote struct {
	CoordinatorID    string  `json:"coordinator_id"`
	Price            float64 `json:"price"`
	ReputationWeight int     `json:"reputation_weight"`
}

// QuoteFetcher collects price quotes from approved peers. The mesh
// layer implements it; pricing never dials peers itself.
type QuoteFetcher interface {
	FetchQuotes(ctx context.Context, resourceClass string) []Quote
}

// WeightedMedian computes the consensus price: weights clamped to
// [1, 500], quotes sorted ascending by price, then a cumulative-weight
// walk until half the total weight is covered. Returns 0 for an empty
// set.
func WeightedMedian(quotes []Quote) float64 {
	if len(quotes) == 0 {
		return 0
	}
	sorted := make([]Quote, len(quotes))
	copy(sorted, quotes)
	var total int
	for i := range sorted {
		if sorted[i].ReputationWeight < minQuoteWeight {
			sorted[i].ReputationWeight = minQuoteWeight
		}
		if sorted[i].ReputationWeight > maxQuoteWeight {
			sorted[i].ReputationWeight = maxQuoteWeight
		}
		total += sorted[i].ReputationWeight
	}
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Price < sorted[j].Price })

	half := float64(total) / 2
	cumulative := 0.0
	for _, q := range sorted {
		cumulative += float64(q.ReputationWeight)
		if cumulative >= half {
			return q.Price
		}
	}
	return sorted[len(sorted)-1].Price
}

// Pricing owns the per-resource-class price epochs.
type Pricing struct {
	mu     sync.RWMutex
	epochs map[string]PriceEpoch

	coordinatorID string
	signer        *cryptoutil.Signer
	fetcher       QuoteFetcher
	onEpoch       func(PriceEpoch)
	now           func() int64
}

// NewPricing creates a pricing engine. fetcher may be nil; consensus
// then degrades to the local quote alone.
func NewPricing(coordinatorID string, signer *cryptoutil.Signer, fetcher QuoteFetcher) *Pricing {
	return &Pricing{
		epochs:        make(map[string]PriceEpoch),
		coordinatorID: coordinatorID,
		signer:        signer,
		fetcher:       fetcher,
		now:           func() int64 { return time.Now().UnixMilli() },
	}
}

// SetClock overrides the pricing clock. Test hook.
func (p *Pricing) SetClock(now func() int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.now = now
}

// OnEpoch registers a callback fired after each persisted consensus
// epoch, outside the pricing lock. The server broadcasts from here.
func (p *Pricing) OnEpoch(fn func(PriceEpoch)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onEpoch = fn
}

// resourceClassMultiplier scales the floor by scarcity of the class.
func resourceClassMultiplier(resourceClass string) float64 {
	switch resourceClass {
	case "gpu":
		return 4
	case "npu":
		return 3
	default:
		return 1
	}
}

// LocalQuote computes this coordinator's own price for a resource
// class: the floor scaled by demand pressure over available supply,
// clamped to [0.5x, 8x] of the class floor.
func (p *Pricing) LocalQuote(resourceClass string, signals CapacitySignals) float64 {
	supply := signals.CPUCapacity + 4*signals.GPUCapacity + float64(signals.ActiveAgents)
	if supply < 1 {
		supply = 1
	}
	demand := float64(signals.QueuedTasks) + 1

	pressure := demand / supply
	if pressure < 0.5 {
		pressure = 0.5
	}
	if pressure > 8 {
		pressure = 8
	}
	return FloorPriceSats * resourceClassMultiplier(resourceClass) * pressure
}

// Consensus runs one pricing round: local quote plus peer quotes,
// weighted median, persisted as a signed PriceEpoch. Peer collection is
// I/O and happens before the lock.
func (p *Pricing) Consensus(ctx context.Context, resourceClass string, signals CapacitySignals) PriceEpoch {
	quotes := []Quote{{
		CoordinatorID:    p.coordinatorID,
		Price:            p.LocalQuote(resourceClass, signals),
		ReputationWeight: selfQuoteWeight,
	}}
	if p.fetcher != nil {
		quotes = append(quotes, p.fetcher.FetchQuotes(ctx, resourceClass)...)
	}

	price := WeightedMedian(quotes)
	negotiated := make([]string, 0, len(quotes)-1)
	for _, q := range quotes[1:] {
		negotiated = append(negotiated, q.CoordinatorID)
	}

	p.mu.Lock()
	epoch := PriceEpoch{
		EpochID:                 uuid.New().String(),
		CoordinatorID:           p.coordinatorID,
		ResourceClass:           resourceClass,
		PricePerComputeUnitSats: price,
		SupplyIndex:             signals.CPUCapacity + 4*signals.GPUCapacity,
		DemandIndex:             float64(signals.QueuedTasks),
		NegotiatedWith:          negotiated,
		CreatedAtMs:             p.now(),
	}
	epoch.Signature = p.signer.Sign(epoch.signingBytes())
	p.epochs[resourceClass] = epoch
	onEpoch := p.onEpoch
	p.mu.Unlock()

	logger.Printf("price epoch %s: %s = %.2f sats/unit from %d quotes", epoch.EpochID, resourceClass, price, len(quotes))
	if onEpoch != nil {
		onEpoch(epoch)
	}
	return epoch
}

// CurrentEpoch returns the latest epoch for a resource class.
func (p *Pricing) CurrentEpoch(resourceClass string) (PriceEpoch, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	epoch, ok := p.epochs[resourceClass]
	return epoch, ok
}

// Epochs returns all current epochs, one per resource class.
func (p *Pricing) Epochs() []PriceEpoch {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]PriceEpoch, 0, len(p.epochs))
	for _, e := range p.epochs {
		out = append(out, e)
	}
	return out
}

// Restore loads persisted epochs on startup, keeping the newest per
// resource class.
func (p *Pricing) Restore(epochs []PriceEpoch) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, epoch := range epochs {
		if current, ok := p.epochs[epoch.ResourceClass]; ok && current.CreatedAtMs >= epoch.CreatedAtMs {
			continue
		}
		p.epochs[epoch.ResourceClass] = epoch
	}
}

// SatsPerCredit is the conversion rate on the payment path: the current
// cpu epoch price, or the floor before any epoch exists.
func (p *Pricing) SatsPerCredit() float64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if epoch, ok := p.epochs["cpu"]; ok && epoch.PricePerComputeUnitSats > 0 {
		return epoch.PricePerComputeUnitSats
	}
	return FloorPriceSats
}
