package gateway

import (
	"sort"
	"sync"
)

// Price is the USD cost of one input and one output token.
type Price struct {
	Input  float64
	Output float64
}

// Prices maps model IDs to per-token prices. Models missing from the table
// are counted but cost nothing.
var Prices = map[string]Price{
	"gpt-4o":                     {Input: 5e-6, Output: 15e-6},
	"gpt-4o-mini":                {Input: 1.5e-7, Output: 6e-7},
	"gpt-3.5-turbo":              {Input: 5e-7, Output: 2e-6},
	"o3-mini":                    {Input: 1.1e-6, Output: 4.4e-6},
	"gemini-2.5-flash":           {Input: 3e-7, Output: 2.5e-6},
	"gemini-2.5-pro":             {Input: 1.25e-6, Output: 1e-5},
	"claude-haiku-4-5-20251001":  {Input: 1e-6, Output: 5e-6},
	"claude-sonnet-4-5-20250929": {Input: 3e-6, Output: 15e-6},
	"us.amazon.nova-2-lite-v1:0": {Input: 6e-8, Output: 2.4e-7},
}

// ModelUsage is the token accounting for a single model.
type ModelUsage struct {
	Model          string     `json:"model"`
	Calls          int        `json:"calls"`
	Total          TokenCount `json:"total"`
	SinceEpoch     TokenCount `json:"since_epoch"`
	TotalCost      float64    `json:"total_cost_usd"`
	CostSinceEpoch float64    `json:"cost_since_epoch_usd"`
}

// Usage accumulates token counts per model. It is safe for concurrent use and
// is normally shared by every Client in the process.
type Usage struct {
	mu     sync.Mutex
	models map[string]*ModelUsage
}

// NewUsage returns an empty Usage.
func NewUsage() *Usage {
	return &Usage{models: make(map[string]*ModelUsage)}
}

// Add records one call's token counts against model.
func (u *Usage) Add(model string, tokens TokenCount) {
	u.mu.Lock()
	defer u.mu.Unlock()
	m, ok := u.models[model]
	if !ok {
		m = &ModelUsage{Model: model}
		u.models[model] = m
	}
	m.Calls++
	m.Total.Input += tokens.Input
	m.Total.Output += tokens.Output
	m.SinceEpoch.Input += tokens.Input
	m.SinceEpoch.Output += tokens.Output
}

// NewEpoch resets the since-epoch counters of every model.
func (u *Usage) NewEpoch() {
	u.mu.Lock()
	defer u.mu.Unlock()
	for _, m := range u.models {
		m.SinceEpoch = TokenCount{}
	}
}

// Snapshot returns the per-model accounting sorted by model ID, with costs
// filled in from Prices.
func (u *Usage) Snapshot() []ModelUsage {
	u.mu.Lock()
	defer u.mu.Unlock()
	out := make([]ModelUsage, 0, len(u.models))
	for _, m := range u.models {
		s := *m
		s.TotalCost = cost(s.Model, s.Total)
		s.CostSinceEpoch = cost(s.Model, s.SinceEpoch)
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Model < out[j].Model })
	return out
}

// TotalCost returns the cost of every recorded call in USD.
func (u *Usage) TotalCost() float64 {
	var total float64
	for _, m := range u.Snapshot() {
		total += m.TotalCost
	}
	return total
}

// CostSinceEpoch returns the cost since the last NewEpoch in USD.
func (u *Usage) CostSinceEpoch() float64 {
	var total float64
	for _, m := range u.Snapshot() {
		total += m.CostSinceEpoch
	}
	return total
}

func cost(model string, t TokenCount) float64 {
	p := Prices[model]
	return float64(t.Input)*p.Input + float64(t.Output)*p.Output
}

// Per-image token charge used by EstimateTokens.
const imageTokens = 258

// EstimateTokens approximates the prompt size of parts: four characters per
// token for text plus a flat charge per image.
func EstimateTokens(parts ...Part) int {
	n := 0
	for _, p := range parts {
		if p.IsImage() {
			n += imageTokens
			continue
		}
		n += (len(p.Text) + 3) / 4
	}
	return n
}
