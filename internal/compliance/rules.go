package compliance

import (
	"context"
	_ "embed"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"sort"
	"time"

	"github.com/hengadev/errsx"
	"gopkg.in/yaml.v3"

	"github.com/onnwee/carevault/internal/ledger"
)

//go:embed rules.yaml
var defaultRulesYAML []byte

// RuleKind selects how a rule is evaluated.
type RuleKind string

const (
	// RuleRequiresPrior flags events not preceded by a qualifying prior event.
	RuleRequiresPrior RuleKind = "requires_prior"
	// RuleTimeWindow flags events outside the allowed hours.
	RuleTimeWindow RuleKind = "time_window"
)

// PriorRequirement describes the event that must precede a matching event.
type PriorRequirement struct {
	EventTypes  []ledger.EventType
	MinSeverity ledger.Severity
	SamePatient bool
	Within      time.Duration
}

// HourWindow is a daily [Start, End) hour range in Location. Start > End
// wraps past midnight.
type HourWindow struct {
	Start    int
	End      int
	Location *time.Location
}

// Contains reports whether t falls inside the window.
func (h HourWindow) Contains(t time.Time) bool {
	hr := t.In(h.Location).Hour()
	if h.Start <= h.End {
		return hr >= h.Start && hr < h.End
	}
	return hr >= h.Start || hr < h.End
}

// Rule is one compiled compliance rule.
type Rule struct {
	ID          string
	Description string
	Kind        RuleKind
	Severity    ledger.Severity
	EventTypes  []ledger.EventType
	Prior       PriorRequirement
	Hours       HourWindow
}

func (r *Rule) applies(e *ledger.Entry) bool {
	return slices.Contains(r.EventTypes, e.EventType)
}

// Violation is one entry that broke a rule.
type Violation struct {
	RuleID      string           `json:"rule_id"`
	Description string           `json:"description"`
	Severity    ledger.Severity  `json:"severity"`
	Sequence    uint64           `json:"sequence"`
	Timestamp   time.Time        `json:"timestamp"`
	Actor       string           `json:"actor"`
	EventType   ledger.EventType `json:"event_type"`
	PatientID   string           `json:"patient_id,omitempty"`
}

type ruleFile struct {
	Rules []ruleSpec `yaml:"rules"`
}

type ruleSpec struct {
	ID           string     `yaml:"id"`
	Description  string     `yaml:"description"`
	Kind         string     `yaml:"kind"`
	Severity     string     `yaml:"severity"`
	EventTypes   []string   `yaml:"event_types"`
	Prior        *priorSpec `yaml:"prior"`
	AllowedHours *hoursSpec `yaml:"allowed_hours"`
}

type priorSpec struct {
	EventTypes  []string `yaml:"event_types"`
	MinSeverity string   `yaml:"min_severity"`
	SamePatient bool     `yaml:"same_patient"`
	Within      string   `yaml:"within"`
}

type hoursSpec struct {
	Start    int    `yaml:"start"`
	End      int    `yaml:"end"`
	Location string `yaml:"location"`
}

// DefaultRules returns the embedded ruleset.
func DefaultRules() ([]Rule, error) {
	return ParseRules(defaultRulesYAML)
}

// LoadRules reads and compiles a ruleset file.
func LoadRules(path string) ([]Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules %s: %w", path, err)
	}
	return ParseRules(data)
}

// ParseRules compiles a YAML ruleset. Every invalid rule is reported; the
// returned error wraps ErrInvalidRules and an errsx.Map keyed by rule id.
func ParseRules(data []byte) ([]Rule, error) {
	var rf ruleFile
	if err := yaml.Unmarshal(data, &rf); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRules, err)
	}

	errs := make(errsx.Map)
	seen := make(map[string]bool)
	rules := make([]Rule, 0, len(rf.Rules))
	for i, spec := range rf.Rules {
		key := spec.ID
		if key == "" {
			key = fmt.Sprintf("rules[%d]", i)
			errs.Set(key, "id is required")
			continue
		}
		if seen[key] {
			errs.Set(key, "duplicate rule id")
			continue
		}
		seen[key] = true

		rule, err := spec.compile()
		if err != nil {
			errs.Set(key, err)
			continue
		}
		rules = append(rules, rule)
	}
	if !errs.IsEmpty() {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRules, errs.AsError())
	}
	return rules, nil
}

func (s ruleSpec) compile() (Rule, error) {
	rule := Rule{
		ID:          s.ID,
		Description: s.Description,
		Kind:        RuleKind(s.Kind),
	}

	sev, err := ledger.ParseSeverity(s.Severity)
	if err != nil {
		return Rule{}, err
	}
	rule.Severity = sev

	if rule.EventTypes, err = parseEventTypes(s.EventTypes); err != nil {
		return Rule{}, err
	}
	if len(rule.EventTypes) == 0 {
		return Rule{}, fmt.Errorf("event_types is required")
	}

	switch rule.Kind {
	case RuleRequiresPrior:
		if s.Prior == nil {
			return Rule{}, fmt.Errorf("prior is required for %s", rule.Kind)
		}
		if rule.Prior.EventTypes, err = parseEventTypes(s.Prior.EventTypes); err != nil {
			return Rule{}, err
		}
		if len(rule.Prior.EventTypes) == 0 {
			return Rule{}, fmt.Errorf("prior.event_types is required")
		}
		if s.Prior.MinSeverity != "" {
			if rule.Prior.MinSeverity, err = ledger.ParseSeverity(s.Prior.MinSeverity); err != nil {
				return Rule{}, err
			}
		}
		if rule.Prior.Within, err = time.ParseDuration(s.Prior.Within); err != nil || rule.Prior.Within <= 0 {
			return Rule{}, fmt.Errorf("prior.within must be a positive duration, got %q", s.Prior.Within)
		}
		rule.Prior.SamePatient = s.Prior.SamePatient
	case RuleTimeWindow:
		h := s.AllowedHours
		if h == nil {
			return Rule{}, fmt.Errorf("allowed_hours is required for %s", rule.Kind)
		}
		if h.Start < 0 || h.Start > 23 || h.End < 0 || h.End > 24 || h.Start == h.End {
			return Rule{}, fmt.Errorf("allowed_hours %d-%d is not a valid range", h.Start, h.End)
		}
		loc := time.UTC
		if h.Location != "" {
			if loc, err = time.LoadLocation(h.Location); err != nil {
				return Rule{}, err
			}
		}
		rule.Hours = HourWindow{Start: h.Start, End: h.End, Location: loc}
	default:
		return Rule{}, fmt.Errorf("unknown rule kind %q", s.Kind)
	}
	return rule, nil
}

func parseEventTypes(names []string) ([]ledger.EventType, error) {
	out := make([]ledger.EventType, 0, len(names))
	for _, n := range names {
		t := ledger.EventType(n)
		if !ledger.ValidEventTypes[t] {
			return nil, fmt.Errorf("unknown event type %q", n)
		}
		out = append(out, t)
	}
	return out, nil
}

// Violations evaluates the ruleset against entries in w. Requires-prior rules
// look back before w.From far enough to find qualifying prior events.
func (r *Reporter) Violations(ctx context.Context, w Window) ([]Violation, error) {
	w, err := w.resolve(r.now())
	if err != nil {
		return nil, err
	}

	var lookback time.Duration
	for i := range r.rules {
		if r.rules[i].Kind == RuleRequiresPrior && r.rules[i].Prior.Within > lookback {
			lookback = r.rules[i].Prior.Within
		}
	}

	// last qualifying prior event per rule, actor and (optionally) patient
	type priorKey struct {
		rule, actor, patient string
	}
	lastPrior := make(map[priorKey]time.Time)

	var out []Violation
	err = r.each(ctx, ledger.Filter{From: w.From.Add(-lookback), To: w.To}, func(e *ledger.Entry) {
		inWindow := !e.Timestamp.Before(w.From)
		for i := range r.rules {
			rule := &r.rules[i]
			key := priorKey{rule: rule.ID, actor: e.Actor}
			if rule.Prior.SamePatient {
				key.patient = e.PatientID
			}

			if inWindow && rule.applies(e) {
				broken := false
				switch rule.Kind {
				case RuleRequiresPrior:
					at, ok := lastPrior[key]
					broken = !ok || e.Timestamp.Sub(at) > rule.Prior.Within
				case RuleTimeWindow:
					broken = !rule.Hours.Contains(e.Timestamp)
				}
				if broken {
					out = append(out, newViolation(rule, e))
				}
			}

			if rule.Kind == RuleRequiresPrior &&
				slices.Contains(rule.Prior.EventTypes, e.EventType) &&
				e.Severity >= rule.Prior.MinSeverity {
				lastPrior[key] = e.Timestamp
			}
		}
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	for _, v := range out {
		r.metrics.recordViolation(v.RuleID)
	}
	if len(out) > 0 {
		r.logger.Warn("compliance violations found",
			slog.Int("count", len(out)),
			slog.Time("from", w.From),
			slog.Time("to", w.To),
		)
	}
	return out, nil
}

func newViolation(rule *Rule, e *ledger.Entry) Violation {
	return Violation{
		RuleID:      rule.ID,
		Description: rule.Description,
		Severity:    rule.Severity,
		Sequence:    e.Sequence,
		Timestamp:   e.Timestamp,
		Actor:       e.Actor,
		EventType:   e.EventType,
		PatientID:   e.PatientID,
	}
}
