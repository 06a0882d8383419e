package models

import (
	"encoding/json"
	"fmt"
)

// VulnerabilityCounts buckets vulnerabilities by severity. Total is always derived.
type VulnerabilityCounts struct {
	Critical int `json:"critical"`
	High     int `json:"high"`
	Medium   int `json:"medium"`
	Low      int `json:"low"`
	Info     int `json:"info"`
}

// Total returns the sum of all severities.
func (v VulnerabilityCounts) Total() int {
	return v.Critical + v.High + v.Medium + v.Low + v.Info
}

// Add returns the element-wise sum of v and o.
func (v VulnerabilityCounts) Add(o VulnerabilityCounts) VulnerabilityCounts {
	return VulnerabilityCounts{
		Critical: v.Critical + o.Critical,
		High:     v.High + o.High,
		Medium:   v.Medium + o.Medium,
		Low:      v.Low + o.Low,
		Info:     v.Info + o.Info,
	}
}

func (v VulnerabilityCounts) validate() error {
	if v.Critical < 0 || v.High < 0 || v.Medium < 0 || v.Low < 0 || v.Info < 0 {
		return fmt.Errorf("%w: negative vulnerability count", ErrInvalidFindings)
	}
	return nil
}

// MarshalJSON emits the derived total next to the severity buckets.
func (v VulnerabilityCounts) MarshalJSON() ([]byte, error) {
	type counts VulnerabilityCounts
	return json.Marshal(struct {
		counts
		Total int `json:"total"`
	}{counts(v), v.Total()})
}

// PrivacyCounts buckets privacy issues by risk level. Total is always derived.
type PrivacyCounts struct {
	High   int `json:"high"`
	Medium int `json:"medium"`
	Low    int `json:"low"`
}

// Total returns the sum of all risk levels.
func (p PrivacyCounts) Total() int {
	return p.High + p.Medium + p.Low
}

// Add returns the element-wise sum of p and o.
func (p PrivacyCounts) Add(o PrivacyCounts) PrivacyCounts {
	return PrivacyCounts{
		High:   p.High + o.High,
		Medium: p.Medium + o.Medium,
		Low:    p.Low + o.Low,
	}
}

func (p PrivacyCounts) validate() error {
	if p.High < 0 || p.Medium < 0 || p.Low < 0 {
		return fmt.Errorf("%w: negative privacy count", ErrInvalidFindings)
	}
	return nil
}

// MarshalJSON emits the derived total next to the risk buckets.
func (p PrivacyCounts) MarshalJSON() ([]byte, error) {
	type counts PrivacyCounts
	return json.Marshal(struct {
		counts
		Total int `json:"total"`
	}{counts(p), p.Total()})
}

type DependencyCounts struct {
	Total int `json:"total"`
}

// Findings are the counts produced by a completed scan. They are values and are
// never modified once attached to a scan.
type Findings struct {
	Vulnerabilities VulnerabilityCounts `json:"vulnerabilities"`
	PrivacyIssues   PrivacyCounts       `json:"privacyIssues"`
	Dependencies    DependencyCounts    `json:"dependencies"`
}

// Validate checks that every count is non-negative.
func (f Findings) Validate() error {
	if err := f.Vulnerabilities.validate(); err != nil {
		return err
	}
	if err := f.PrivacyIssues.validate(); err != nil {
		return err
	}
	if f.Dependencies.Total < 0 {
		return fmt.Errorf("%w: negative dependency count", ErrInvalidFindings)
	}
	return nil
}

// FindingsTotals is the per-scan headline shown on stats cards.
type FindingsTotals struct {
	Vulnerabilities int `json:"vulnerabilities"`
	PrivacyIssues   int `json:"privacyIssues"`
	Dependencies    int `json:"dependencies"`
}

// Totals returns the per-category totals of f.
func (f Findings) Totals() FindingsTotals {
	return FindingsTotals{
		Vulnerabilities: f.Vulnerabilities.Total(),
		PrivacyIssues:   f.PrivacyIssues.Total(),
		Dependencies:    f.Dependencies.Total,
	}
}
