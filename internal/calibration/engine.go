package calibration

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Config controls bucket layout, priors, and the small-sample guards.
type Config struct {
	NumBuckets int     `yaml:"num_buckets"` // confidence range split into k bins
	PriorA     float64 `yaml:"prior_a"`     // Beta prior alpha
	PriorB     float64 `yaml:"prior_b"`     // Beta prior beta

	// UseEma switches bucket consumption from the raw posterior mean to an
	// exponential moving average of it. Explicit flag: presence of EMA data
	// alone never changes behavior.
	UseEma   bool    `yaml:"use_ema"`
	EmaAlpha float64 `yaml:"ema_alpha"`

	MinSamplesForUse int     `yaml:"min_samples_for_use"` // below this, shrink toward 0.5
	ShrinkFactor     float64 `yaml:"shrink_factor"`       // how hard to shrink when unusable

	Floors            []EffectiveNFloor `yaml:"floors"`              // stepwise confidence ceilings
	BaseMaxConfidence float64           `yaml:"base_max_confidence"` // ceiling below the lowest floor
	FloorN0           float64           `yaml:"floor_n0"`            // smooth ceiling scale 1−exp(−n/n0)
}

// EffectiveNFloor caps confidence while the effective sample size is below
// the next rung of the ladder.
type EffectiveNFloor struct {
	MinEffectiveN float64 `yaml:"min_effective_n"`
	MaxConfidence float64 `yaml:"max_confidence"`
}

// DefaultConfig returns the production calibration settings.
func DefaultConfig() *Config {
	return &Config{
		NumBuckets:       10,
		PriorA:           1.0, // Beta(1,1) uniform prior
		PriorB:           1.0,
		UseEma:           false,
		EmaAlpha:         0.10,
		MinSamplesForUse: 30,
		ShrinkFactor:     0.50, // halfway toward 0.5 when data is thin
		Floors: []EffectiveNFloor{
			{MinEffectiveN: 5, MaxConfidence: 0.55},
			{MinEffectiveN: 10, MaxConfidence: 0.65},
			{MinEffectiveN: 20, MaxConfidence: 0.75},
			{MinEffectiveN: 40, MaxConfidence: 0.85},
		},
		BaseMaxConfidence: 0.50,
		FloorN0:           50.0,
	}
}

// Validate reports every configuration violation.
func (c *Config) Validate() []string {
	var problems []string
	if c.NumBuckets < 2 {
		problems = append(problems, fmt.Sprintf("num_buckets %d below minimum 2", c.NumBuckets))
	}
	if c.PriorA <= 0 || c.PriorB <= 0 {
		problems = append(problems, "beta prior parameters must be positive")
	}
	if c.UseEma && (c.EmaAlpha <= 0 || c.EmaAlpha > 1) {
		problems = append(problems, fmt.Sprintf("ema_alpha %.3f must be in (0, 1] when use_ema is set", c.EmaAlpha))
	}
	if c.MinSamplesForUse < 0 {
		problems = append(problems, "min_samples_for_use must be non-negative")
	}
	if c.ShrinkFactor < 0 || c.ShrinkFactor > 1 {
		problems = append(problems, fmt.Sprintf("shrink_factor %.3f must be in [0, 1]", c.ShrinkFactor))
	}
	if c.FloorN0 <= 0 {
		problems = append(problems, "floor_n0 must be positive")
	}
	for i, f := range c.Floors {
		if f.MinEffectiveN < 0 || f.MaxConfidence <= 0 || f.MaxConfidence > 1 {
			problems = append(problems, fmt.Sprintf("floor %d has invalid bounds", i))
		}
	}
	return problems
}

// Bucket tracks prediction outcomes for one confidence range.
type Bucket struct {
	Lo  float64 `json:"lo"`
	Hi  float64 `json:"hi"`
	N   int     `json:"n"`   // predictions that landed here
	K   int     `json:"k"`   // of those, how many were correct
	Ema float64 `json:"ema"` // EMA of the posterior mean, maintained always
}

// posteriorMean regularizes sparse buckets toward the Beta prior:
// (k+a)/(n+a+b). Never divides by zero.
func (b *Bucket) posteriorMean(priorA, priorB float64) float64 {
	return (float64(b.K) + priorA) / (float64(b.N) + priorA + priorB)
}

// Snapshot is the read-only view of one (symbol, horizon) tracker.
type Snapshot struct {
	Symbol      string    `json:"symbol"`
	HorizonDays int       `json:"horizon_days"`
	Buckets     []Bucket  `json:"buckets"`
	TotalN      int       `json:"total_n"`
	ECE         float64   `json:"ece"`
	IsUsable    bool      `json:"is_usable"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// tracker is the mutable per-(symbol, horizon) state.
type tracker struct {
	symbol      string
	horizonDays int
	buckets     []Bucket
	totalN      int
	ece         float64
	updatedAt   time.Time
}

// Engine maps raw confidence to empirically calibrated probability using
// per-bucket Beta-Binomial posteriors. State is keyed by (symbol,
// horizonDays); the engine lock serializes map and bucket mutation, while
// per-symbol cycle ordering is the caller's responsibility.
type Engine struct {
	mu       sync.RWMutex
	config   *Config
	trackers map[string]*tracker
}

// NewEngine creates a calibration engine. A nil config uses defaults.
func NewEngine(config *Config) *Engine {
	if config == nil {
		config = DefaultConfig()
	}
	return &Engine{
		config:   config,
		trackers: make(map[string]*tracker),
	}
}

func trackerKey(symbol string, horizonDays int) string {
	return fmt.Sprintf("%s|%d", symbol, horizonDays)
}

// clampUnit bounds a probability to [0, 1].
func clampUnit(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

func (e *Engine) newTracker() *tracker {
	k := e.config.NumBuckets
	buckets := make([]Bucket, k)
	for i := 0; i < k; i++ {
		buckets[i] = Bucket{
			Lo: float64(i) / float64(k),
			Hi: float64(i+1) / float64(k),
		}
	}
	return &tracker{buckets: buckets}
}

// bucketIndex maps a confidence to its owning bucket; 1.0 belongs to the
// last bucket.
func (e *Engine) bucketIndex(confidence float64) int {
	idx := int(clampUnit(confidence) * float64(e.config.NumBuckets))
	if idx >= e.config.NumBuckets {
		idx = e.config.NumBuckets - 1
	}
	return idx
}

// Update records one labeled outcome for the raw confidence that produced
// it and recomputes the tracker's ECE.
func (e *Engine) Update(symbol string, horizonDays int, rawConfidence float64, correct bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	key := trackerKey(symbol, horizonDays)
	tr, ok := e.trackers[key]
	if !ok {
		tr = e.newTracker()
		tr.symbol = symbol
		tr.horizonDays = horizonDays
		e.trackers[key] = tr
	}

	b := &tr.buckets[e.bucketIndex(rawConfidence)]
	firstSample := b.N == 0
	b.N++
	if correct {
		b.K++
	}
	tr.totalN++

	pm := b.posteriorMean(e.config.PriorA, e.config.PriorB)
	if firstSample {
		b.Ema = pm
	} else {
		b.Ema = e.config.EmaAlpha*pm + (1-e.config.EmaAlpha)*b.Ema
	}

	tr.ece = e.computeECE(tr)
	tr.updatedAt = time.Now()
}

// calibratedMean resolves a bucket's consumed value under the explicit
// UseEma flag.
func (e *Engine) calibratedMean(b *Bucket) float64 {
	if e.config.UseEma && b.N > 0 {
		return b.Ema
	}
	return b.posteriorMean(e.config.PriorA, e.config.PriorB)
}

// computeECE is the sample-weighted mean absolute gap between bucket
// empirical accuracy and bucket calibrated confidence. Caller holds the lock.
func (e *Engine) computeECE(tr *tracker) float64 {
	if tr.totalN == 0 {
		return 0
	}
	ece := 0.0
	for i := range tr.buckets {
		b := &tr.buckets[i]
		if b.N == 0 {
			continue
		}
		accuracy := float64(b.K) / float64(b.N)
		gap := math.Abs(accuracy - e.calibratedMean(b))
		ece += (float64(b.N) / float64(tr.totalN)) * gap
	}
	return ece
}

// Apply maps raw confidence to its calibrated value. Trackers without
// enough total samples shrink the raw value toward 0.5 instead: being
// under-confident is safer than being confidently wrong on thin data.
func (e *Engine) Apply(symbol string, horizonDays int, rawConfidence float64) float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()

	raw := clampUnit(rawConfidence)
	tr, ok := e.trackers[trackerKey(symbol, horizonDays)]
	if !ok || tr.totalN < e.config.MinSamplesForUse {
		return 0.5 + (raw-0.5)*e.config.ShrinkFactor
	}

	b := &tr.buckets[e.bucketIndex(raw)]
	return clampUnit(e.calibratedMean(b))
}

// Calibrate runs the full pipeline: bucket calibration first, effectiveN
// floor last, so the floor always bounds the final output.
func (e *Engine) Calibrate(rawConfidence, effectiveN float64, symbol string, horizonDays int) float64 {
	calibrated := e.Apply(symbol, horizonDays, rawConfidence)
	return e.ApplyEffectiveNFloor(calibrated, effectiveN)
}

// GetSnapshot returns a deep copy of the tracker state. Repeated calls
// without an intervening Update return identical snapshots. An unknown key
// returns an empty, unusable snapshot.
func (e *Engine) GetSnapshot(symbol string, horizonDays int) Snapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()

	snap := Snapshot{Symbol: symbol, HorizonDays: horizonDays}
	tr, ok := e.trackers[trackerKey(symbol, horizonDays)]
	if !ok {
		return snap
	}

	snap.Buckets = make([]Bucket, len(tr.buckets))
	copy(snap.Buckets, tr.buckets)
	snap.TotalN = tr.totalN
	snap.ECE = tr.ece
	snap.IsUsable = tr.totalN >= e.config.MinSamplesForUse
	snap.UpdatedAt = tr.updatedAt
	return snap
}

// Restore hydrates a tracker from persisted state, replacing whatever the
// engine held for that key.
func (e *Engine) Restore(snap Snapshot) error {
	if len(snap.Buckets) != e.config.NumBuckets {
		return fmt.Errorf("snapshot has %d buckets, engine is configured for %d",
			len(snap.Buckets), e.config.NumBuckets)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	tr := e.newTracker()
	tr.symbol = snap.Symbol
	tr.horizonDays = snap.HorizonDays
	copy(tr.buckets, snap.Buckets)
	tr.totalN = snap.TotalN
	tr.updatedAt = snap.UpdatedAt
	tr.ece = e.computeECE(tr)
	e.trackers[trackerKey(snap.Symbol, snap.HorizonDays)] = tr

	log.Debug().
		Str("symbol", snap.Symbol).
		Int("horizon_days", snap.HorizonDays).
		Int("total_n", snap.TotalN).
		Msg("Calibration tracker restored")

	return nil
}

// Keys lists the (symbol, horizon) trackers currently held, sorted for
// deterministic persistence sweeps.
func (e *Engine) Keys() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()

	keys := make([]string, 0, len(e.trackers))
	for k := range e.trackers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Snapshots returns a deep copy of every tracker, sorted by key. This is
// the bulk form of GetSnapshot used when persisting the whole engine.
func (e *Engine) Snapshots() []Snapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()

	keys := make([]string, 0, len(e.trackers))
	for k := range e.trackers {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	snaps := make([]Snapshot, 0, len(keys))
	for _, key := range keys {
		tr := e.trackers[key]
		snap := Snapshot{
			Symbol:      tr.symbol,
			HorizonDays: tr.horizonDays,
			Buckets:     make([]Bucket, len(tr.buckets)),
			TotalN:      tr.totalN,
			ECE:         tr.ece,
			IsUsable:    tr.totalN >= e.config.MinSamplesForUse,
			UpdatedAt:   tr.updatedAt,
		}
		copy(snap.Buckets, tr.buckets)
		snaps = append(snaps, snap)
	}
	return snaps
}
