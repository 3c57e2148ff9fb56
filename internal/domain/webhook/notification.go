package webhook

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/holovitals/ehrsync/internal/platform/fhir"
)

// notification is what a vendor push tells us: which resources changed and,
// when the vendor sends one, a delivery id.
type notification struct {
	EventID string
	Refs    []fhir.Reference
}

// envelope covers the vendor payload shapes we accept: a bare FHIR resource,
// a Bundle of resources, or a change notice naming a resource.
type envelope struct {
	EventID      string             `json:"eventId"`
	ResourceType string             `json:"resourceType"`
	ID           string             `json:"id"`
	ResourceID   string             `json:"resourceId"`
	Resource     json.RawMessage    `json:"resource"`
	Entry        []fhir.BundleEntry `json:"entry"`
}

var errEmptyNotification = errors.New("notification names no resources")

func parseNotification(body []byte) (*notification, error) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("decode notification: %w", err)
	}
	n := &notification{EventID: env.EventID}

	switch {
	case env.ResourceType == "Bundle":
		for i, e := range env.Entry {
			ref, err := entryReference(e)
			if err != nil {
				return nil, fmt.Errorf("bundle entry %d: %w", i, err)
			}
			n.Refs = append(n.Refs, ref)
		}
	case len(env.Resource) > 0:
		ref, err := referenceValue(env.Resource)
		if err != nil {
			return nil, err
		}
		n.Refs = append(n.Refs, ref)
	case env.ResourceType != "" && env.ResourceID != "":
		ref, err := fhir.ParseReference(env.ResourceType + "/" + env.ResourceID)
		if err != nil {
			return nil, err
		}
		n.Refs = append(n.Refs, ref)
	case env.ResourceType != "" && env.ID != "":
		ref, err := fhir.ParseReference(env.ResourceType + "/" + env.ID)
		if err != nil {
			return nil, err
		}
		n.Refs = append(n.Refs, ref)
	}
	if len(n.Refs) == 0 {
		return nil, errEmptyNotification
	}
	return n, nil
}

func entryReference(e fhir.BundleEntry) (fhir.Reference, error) {
	if len(e.Resource) > 0 {
		return referenceValue(e.Resource)
	}
	if e.Request != nil && e.Request.URL != "" {
		return fhir.ParseReference(e.Request.URL)
	}
	return fhir.ParseReference(e.FullURL)
}

// referenceValue accepts either an embedded resource or a reference string.
func referenceValue(raw json.RawMessage) (fhir.Reference, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) > 0 && raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return fhir.Reference{}, err
		}
		return fhir.ParseReference(s)
	}
	var head struct {
		ResourceType string `json:"resourceType"`
		ID           string `json:"id"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return fhir.Reference{}, fmt.Errorf("decode resource: %w", err)
	}
	return fhir.ParseReference(head.ResourceType + "/" + head.ID)
}

// groupByType splits references into per-type id lists, keeping first-seen
// order and dropping duplicates.
func groupByType(refs []fhir.Reference) ([]string, map[string][]string) {
	var order []string
	groups := make(map[string][]string)
	seen := make(map[string]bool)
	for _, r := range refs {
		if seen[r.String()] {
			continue
		}
		seen[r.String()] = true
		if _, ok := groups[r.ResourceType]; !ok {
			order = append(order, r.ResourceType)
		}
		groups[r.ResourceType] = append(groups[r.ResourceType], r.ID)
	}
	return order, groups
}

// bodyDigest identifies a delivery that carries no vendor event id.
func bodyDigest(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}
