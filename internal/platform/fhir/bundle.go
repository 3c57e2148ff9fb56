package fhir

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

type Bundle struct {
	ResourceType string        `json:"resourceType"`
	Type         string        `json:"type"`
	Entry        []BundleEntry `json:"entry,omitempty"`
}

type BundleEntry struct {
	FullURL  string              `json:"fullUrl,omitempty"`
	Resource json.RawMessage     `json:"resource,omitempty"`
	Request  *BundleEntryRequest `json:"request,omitempty"`
}

type BundleEntryRequest struct {
	Method string `json:"method"`
	URL    string `json:"url"`
}

// Reference is a parsed "Type/id" pointer.
type Reference struct {
	ResourceType string
	ID           string
}

func (r Reference) String() string { return r.ResourceType + "/" + r.ID }

// ParseReference accepts relative ("Observation/123"), versioned
// ("Observation/123/_history/2") and absolute references.
func ParseReference(ref string) (Reference, error) {
	ref = strings.TrimSpace(ref)
	if i := strings.Index(ref, "?"); i >= 0 {
		ref = ref[:i]
	}
	if i := strings.Index(ref, "/_history/"); i >= 0 {
		ref = ref[:i]
	}
	ref = strings.TrimSuffix(ref, "/")
	parts := strings.Split(ref, "/")
	if len(parts) < 2 {
		return Reference{}, fmt.Errorf("invalid reference %q", ref)
	}
	typ, id := parts[len(parts)-2], parts[len(parts)-1]
	if typ == "" || id == "" || !isResourceTypeName(typ) {
		return Reference{}, fmt.Errorf("invalid reference %q", ref)
	}
	return Reference{ResourceType: typ, ID: id}, nil
}

func isResourceTypeName(s string) bool {
	if s[0] < 'A' || s[0] > 'Z' {
		return false
	}
	for _, r := range s {
		if !(r >= 'A' && r <= 'Z' || r >= 'a' && r <= 'z') {
			return false
		}
	}
	return true
}

// ParseDate parses a date in the formats FHIR allows for date search
// parameters. Values without a zone are taken as UTC.
func ParseDate(s string) (time.Time, error) {
	formats := []string{
		time.RFC3339Nano,
		"2006-01-02T15:04:05",
		"2006-01-02",
		"2006-01",
		"2006",
	}
	for _, f := range formats {
		if t, err := time.Parse(f, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unable to parse date: %s", s)
}
