// Package fhir holds the small slice of FHIR R4 structure the sync pipeline
// needs to read from vendors: OperationOutcome error bodies, Bundles,
// references and the flexible date formats used in search parameters.
package fhir

import (
	"encoding/json"
	"strings"
)

const (
	IssueSeverityFatal       = "fatal"
	IssueSeverityError       = "error"
	IssueSeverityWarning     = "warning"
	IssueSeverityInformation = "information"
)

type OperationOutcome struct {
	ResourceType string                  `json:"resourceType"`
	Issue        []OperationOutcomeIssue `json:"issue"`
}

type OperationOutcomeIssue struct {
	Severity    string           `json:"severity"`
	Code        string           `json:"code"`
	Details     *CodeableConcept `json:"details,omitempty"`
	Diagnostics string           `json:"diagnostics,omitempty"`
	Expression  []string         `json:"expression,omitempty"`
}

type CodeableConcept struct {
	Text string `json:"text,omitempty"`
}

func NewOperationOutcome(severity, code, diagnostics string) *OperationOutcome {
	return &OperationOutcome{
		ResourceType: "OperationOutcome",
		Issue: []OperationOutcomeIssue{
			{Severity: severity, Code: code, Diagnostics: diagnostics},
		},
	}
}

// ParseOperationOutcome decodes body when it is an OperationOutcome.
func ParseOperationOutcome(body []byte) (*OperationOutcome, bool) {
	var oo OperationOutcome
	if err := json.Unmarshal(body, &oo); err != nil || oo.ResourceType != "OperationOutcome" {
		return nil, false
	}
	return &oo, true
}

// Summary joins the error-level issues into one line. Warnings are only used
// when nothing more severe is present.
func (o *OperationOutcome) Summary() string {
	var errs, rest []string
	for _, is := range o.Issue {
		text := is.Diagnostics
		if text == "" && is.Details != nil {
			text = is.Details.Text
		}
		if text == "" {
			text = is.Code
		}
		if text == "" {
			continue
		}
		if is.Severity == IssueSeverityError || is.Severity == IssueSeverityFatal {
			errs = append(errs, text)
		} else {
			rest = append(rest, text)
		}
	}
	if len(errs) > 0 {
		return strings.Join(errs, "; ")
	}
	return strings.Join(rest, "; ")
}
