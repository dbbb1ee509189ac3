package mesh

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"
)

// DefaultBootstrapInterval is how often the discovery round re-runs.
const DefaultBootstrapInterval = 45 * time.Second

// Bootstrapper discovers coordinator peers. Candidate URLs come from,
// in priority order: the external peer registry, the on-disk cache, and
// the static bootstrap list. Every successful round rewrites the cache.
type Bootstrapper struct {
	mesh        *Mesh
	selfURL     string
	registryURL string
	cachePath   string
	staticURLs  []string
	client      *http.Client
	interval    time.Duration
}

// NewBootstrapper wires a discovery loop for mesh. Any of registryURL,
// cachePath, and staticURLs may be empty.
func NewBootstrapper(m *Mesh, selfURL, registryURL, cachePath string, staticURLs []string) *Bootstrapper {
	return &Bootstrapper{
		mesh:        m,
		selfURL:     selfURL,
		registryURL: registryURL,
		cachePath:   cachePath,
		staticURLs:  staticURLs,
		client:      &http.Client{Timeout: 10 * time.Second},
		interval:    DefaultBootstrapInterval,
	}
}

// Run executes an immediate round then repeats on the interval until
// ctx is cancelled.
func (b *Bootstrapper) Run(ctx context.Context) {
	b.Round(ctx)
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.Round(ctx)
		}
	}
}

// Round performs one discovery pass and returns how many peers were
// reached.
func (b *Bootstrapper) Round(ctx context.Context) int {
	candidates := b.candidateURLs(ctx)
	if len(candidates) == 0 {
		return 0
	}

	var reached []string
	for _, url := range candidates {
		if url == "" || url == b.selfURL {
			continue
		}
		identity, err := b.fetchIdentity(ctx, url)
		if err != nil {
			logger.Printf("bootstrap: identity fetch from %s failed: %v", url, err)
			continue
		}
		if identity.PeerID == b.mesh.SelfID() {
			continue
		}
		if identity.URL == "" {
			identity.URL = url
		}
		b.mesh.AddPeer(identity)
		if err := b.announceSelf(ctx, url); err != nil {
			logger.Printf("bootstrap: register-peer at %s failed: %v", url, err)
			continue
		}
		reached = append(reached, url)
	}

	if len(reached) > 0 {
		b.writeCache(reached)
	}
	return len(reached)
}

// candidateURLs merges the three sources, registry first, keeping the
// first occurrence of each URL.
func (b *Bootstrapper) candidateURLs(ctx context.Context) []string {
	var all []string
	if urls, err := b.fetchRegistry(ctx); err == nil {
		all = append(all, urls...)
	} else if b.registryURL != "" {
		logger.Printf("bootstrap: peer registry %s unavailable: %v", b.registryURL, err)
	}
	all = append(all, b.readCache()...)
	all = append(all, b.staticURLs...)

	seen := make(map[string]bool, len(all))
	out := make([]string, 0, len(all))
	for _, url := range all {
		if url == "" || seen[url] {
			continue
		}
		seen[url] = true
		out = append(out, url)
	}
	return out
}

func (b *Bootstrapper) fetchRegistry(ctx context.Context) ([]string, error) {
	if b.registryURL == "" {
		return nil, fmt.Errorf("no registry configured")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.registryURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("registry status %d", resp.StatusCode)
	}
	var body struct {
		Peers []struct {
			URL string `json:"url"`
		} `json:"peers"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, err
	}
	urls := make([]string, 0, len(body.Peers))
	for _, p := range body.Peers {
		urls = append(urls, p.URL)
	}
	return urls, nil
}

func (b *Bootstrapper) fetchIdentity(ctx context.Context, peerURL string) (PeerIdentity, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, peerURL+"/identity", nil)
	if err != nil {
		return PeerIdentity{}, err
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return PeerIdentity{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return PeerIdentity{}, fmt.Errorf("identity status %d", resp.StatusCode)
	}
	var identity PeerIdentity
	if err := json.NewDecoder(resp.Body).Decode(&identity); err != nil {
		return PeerIdentity{}, err
	}
	if identity.PeerID == "" || identity.PublicKey == "" {
		return PeerIdentity{}, fmt.Errorf("incomplete identity from %s", peerURL)
	}
	return identity, nil
}

func (b *Bootstrapper) announceSelf(ctx context.Context, peerURL string) error {
	body, err := json.Marshal(b.mesh.Identity(b.selfURL))
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, peerURL+"/mesh/register-peer", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := b.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("register-peer status %d", resp.StatusCode)
	}
	return nil
}

func (b *Bootstrapper) readCache() []string {
	if b.cachePath == "" {
		return nil
	}
	data, err := os.ReadFile(b.cachePath)
	if err != nil {
		return nil
	}
	var urls []string
	if err := json.Unmarshal(data, &urls); err != nil {
		logger.Printf("bootstrap: corrupt peer cache %s: %v", b.cachePath, err)
		return nil
	}
	return urls
}

func (b *Bootstrapper) writeCache(urls []string) {
	if b.cachePath == "" {
		return
	}
	data, err := json.MarshalIndent(urls, "", "  ")
	if err != nil {
		return
	}
	if err := os.MkdirAll(filepath.Dir(b.cachePath), 0o755); err != nil {
		logger.Printf("bootstrap: create cache dir: %v", err)
		return
	}
	if err := os.WriteFile(b.cachePath, data, 0o644); err != nil {
		logger.Printf("bootstrap: write peer cache: %v", err)
	}
}
