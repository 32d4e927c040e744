// Package local turns raw endpoint-detection output returned by the agent
// into alerts and a verdict.
package local

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/animus-labs/detonator/internal/domain"
)

// Detector owns one vendor output format.
type Detector interface {
	Name() string
	// Relevant reports whether raw looks like this detector's format.
	Relevant(raw string) bool
	Parse(raw string) ([]domain.Alert, error)
}

type Result struct {
	Format  string
	Matched bool
	Alerts  []domain.Alert
	Verdict domain.Verdict
	Summary string
}

type Parser struct {
	detectors []Detector
}

// New returns a parser trying detectors in the given order.
func New(detectors ...Detector) *Parser {
	return &Parser{detectors: detectors}
}

func Default() *Parser {
	return New(DefenderEventLog{}, VendorJSON{})
}

// Parse runs the first relevant detector. When none matches, the result has
// Matched false and an unknown verdict. A parse failure also yields an
// unknown verdict; the error is returned for logging only.
func (p *Parser) Parse(raw string) (Result, error) {
	for _, d := range p.detectors {
		if !d.Relevant(raw) {
			continue
		}
		res := Result{Format: d.Name(), Matched: true}
		alerts, err := d.Parse(raw)
		if err != nil {
			return res, fmt.Errorf("%s: %w", d.Name(), err)
		}
		for i := range alerts {
			alerts[i].Source = domain.AlertSourceLocal
		}
		res.Alerts = alerts
		res.Verdict = domain.VerdictClean
		if len(alerts) > 0 {
			res.Verdict = domain.VerdictDetected
		}
		res.Summary = summarize(res)
		return res, nil
	}
	return Result{}, nil
}

type summary struct {
	Format  string   `json:"format"`
	Alerts  int      `json:"alerts"`
	Verdict string   `json:"verdict"`
	Titles  []string `json:"titles,omitempty"`
}

func summarize(res Result) string {
	seen := make(map[string]struct{})
	titles := make([]string, 0)
	for _, a := range res.Alerts {
		if a.Title == "" {
			continue
		}
		if _, ok := seen[a.Title]; ok {
			continue
		}
		seen[a.Title] = struct{}{}
		titles = append(titles, a.Title)
	}
	sort.Strings(titles)
	out, err := json.Marshal(summary{Format: res.Format, Alerts: len(res.Alerts), Verdict: string(res.Verdict), Titles: titles})
	if err != nil {
		return ""
	}
	return string(out)
}
