package governance

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// PolicyDocument is the versioned parameter set every tunable component
// reads. The content hash covers the params only, not the version or
// timestamp bookkeeping, so restoring an earlier param set always
// reproduces that state's exact hash.
type PolicyDocument struct {
	Version   int                `json:"version"`
	Params    map[string]float64 `json:"params"`
	UpdatedAt time.Time          `json:"updated_at"`
	Hash      string             `json:"hash"`
}

// ComputeHash produces the deterministic content hash of a parameter set:
// SHA-256 over the key-sorted canonical "key=value;" serialization.
func ComputeHash(params map[string]float64) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(strconv.FormatFloat(params[k], 'g', -1, 64))
		b.WriteByte(';')
	}

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// NewDocument builds a sealed document from a parameter set.
func NewDocument(version int, params map[string]float64, now time.Time) *PolicyDocument {
	copied := make(map[string]float64, len(params))
	for k, v := range params {
		copied[k] = v
	}
	return &PolicyDocument{
		Version:   version,
		Params:    copied,
		UpdatedAt: now,
		Hash:      ComputeHash(copied),
	}
}

// Clone returns a deep copy the caller may mutate freely.
func (d *PolicyDocument) Clone() *PolicyDocument {
	params := make(map[string]float64, len(d.Params))
	for k, v := range d.Params {
		params[k] = v
	}
	return &PolicyDocument{
		Version:   d.Version,
		Params:    params,
		UpdatedAt: d.UpdatedAt,
		Hash:      d.Hash,
	}
}

// Param reads one parameter with a fallback for keys the document predates.
func (d *PolicyDocument) Param(key string, fallback float64) float64 {
	if v, ok := d.Params[key]; ok {
		return v
	}
	return fallback
}

// ApplyDeltas returns the successor document with each delta added to its
// existing parameter. Deltas may only adjust parameters the document
// already carries; an unknown key is a governance violation.
func (d *PolicyDocument) ApplyDeltas(deltas map[string]float64, now time.Time) (*PolicyDocument, error) {
	next := d.Clone()
	for key, delta := range deltas {
		current, ok := next.Params[key]
		if !ok {
			return nil, GovernanceError{
				Reason:  ReasonUnknownParameter,
				Message: fmt.Sprintf("parameter %q does not exist in policy version %d", key, d.Version),
				Details: map[string]interface{}{"parameter": key, "version": d.Version},
			}
		}
		next.Params[key] = current + delta
	}
	next.Version = d.Version + 1
	next.UpdatedAt = now
	next.Hash = ComputeHash(next.Params)
	return next, nil
}

// DefaultDocument seeds version 1 with the production parameter set. The
// keys follow the component.field convention the kernel uses to overlay
// governed values onto component configs.
func DefaultDocument(now time.Time) *PolicyDocument {
	return NewDocument(1, map[string]float64{
		"similarity.min_similarity":        0.60,
		"similarity.min_matches":           5,
		"similarity.max_matches":           50,
		"regime.crash_threshold":           -0.30,
		"regime.bubble_threshold":          1.00,
		"budget.max_dominance":             0.45,
		"budget.neutral_deadband":          0.02,
		"calibration.shrink_factor":        0.50,
		"calibration.min_samples_for_use":  30,
		"reliability.override_confidence":  0.90,
		"reliability.freeze_cooldown_days": 5,
		"fsm.enter_threshold":              0.20,
		"fsm.exit_threshold":               0.15,
		"fsm.min_hold_days":                10,
		"fsm.max_hold_days":                45,
		"fsm.cooldown_days":                7,
		"fsm.flip_threshold":               0.35,
		"fsm.round_trip_cost":              0.05,
		"scoring.outcome_scale":            0.05,
	}, now)
}
