package compliance

import (
	"context"
	"log/slog"
	"slices"
	"sort"
	"time"

	"github.com/onnwee/carevault/internal/ledger"
)

// Threshold flags an actor producing at least Count matching events within
// Window.
type Threshold struct {
	Name       string
	EventTypes []ledger.EventType
	Count      int
	Window     time.Duration
}

// DefaultThresholds returns the built-in heuristics.
func DefaultThresholds() []Threshold {
	return []Threshold{
		{
			Name:       "failed_logins",
			EventTypes: []ledger.EventType{ledger.EventLoginFailure},
			Count:      5,
			Window:     10 * time.Minute,
		},
		{
			Name:       "phi_access_burst",
			EventTypes: []ledger.EventType{ledger.EventPHIAccess, ledger.EventPHIExport},
			Count:      50,
			Window:     10 * time.Minute,
		},
		{
			Name:       "decryption_failures",
			EventTypes: []ledger.EventType{ledger.EventDecryptionFailure},
			Count:      3,
			Window:     time.Hour,
		},
		{
			Name:       "access_denied",
			EventTypes: []ledger.EventType{ledger.EventAccessDenied},
			Count:      10,
			Window:     10 * time.Minute,
		},
	}
}

// Finding is one burst of activity that crossed a threshold. A burst stays
// open while further matching events arrive within the threshold window of
// the previous one.
type Finding struct {
	Threshold     string    `json:"threshold"`
	Actor         string    `json:"actor"`
	Count         int       `json:"count"`
	Window        string    `json:"window"`
	FirstSeen     time.Time `json:"first_seen"`
	LastSeen      time.Time `json:"last_seen"`
	FirstSequence uint64    `json:"first_sequence"`
	LastSequence  uint64    `json:"last_sequence"`
}

type hit struct {
	at  time.Time
	seq uint64
}

type burstState struct {
	recent []hit
	open   *Finding
}

// SuspiciousActivity applies the thresholds to entries in w, per actor.
func (r *Reporter) SuspiciousActivity(ctx context.Context, w Window) ([]Finding, error) {
	w, err := w.resolve(r.now())
	if err != nil {
		return nil, err
	}

	type stateKey struct {
		threshold int
		actor     string
	}
	states := make(map[stateKey]*burstState)
	var found []*Finding

	err = r.each(ctx, ledger.Filter{From: w.From, To: w.To}, func(e *ledger.Entry) {
		for i := range r.thresholds {
			t := &r.thresholds[i]
			if !slices.Contains(t.EventTypes, e.EventType) {
				continue
			}
			key := stateKey{threshold: i, actor: e.Actor}
			st := states[key]
			if st == nil {
				st = &burstState{}
				states[key] = st
			}

			if st.open != nil && e.Timestamp.Sub(st.open.LastSeen) <= t.Window {
				st.open.Count++
				st.open.LastSeen = e.Timestamp
				st.open.LastSequence = e.Sequence
				continue
			}
			st.open = nil

			st.recent = append(st.recent, hit{at: e.Timestamp, seq: e.Sequence})
			for len(st.recent) > 0 && e.Timestamp.Sub(st.recent[0].at) > t.Window {
				st.recent = st.recent[1:]
			}
			if len(st.recent) < t.Count {
				continue
			}

			f := &Finding{
				Threshold:     t.Name,
				Actor:         e.Actor,
				Count:         len(st.recent),
				Window:        t.Window.String(),
				FirstSeen:     st.recent[0].at,
				LastSeen:      e.Timestamp,
				FirstSequence: st.recent[0].seq,
				LastSequence:  e.Sequence,
			}
			found = append(found, f)
			st.open = f
			st.recent = st.recent[:0]
		}
	})
	if err != nil {
		return nil, err
	}

	out := make([]Finding, 0, len(found))
	for _, f := range found {
		out = append(out, *f)
		r.metrics.recordFinding(f.Threshold)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].FirstSequence < out[j].FirstSequence })
	if len(out) > 0 {
		r.logger.Warn("suspicious activity detected", slog.Int("findings", len(out)))
	}
	return out, nil
}
