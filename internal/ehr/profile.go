package ehr

import (
	"regexp"
	"strings"
)

// Profile captures what differs between vendors: OAuth endpoints, FHIR base
// URL templating, scopes and the resource subset the vendor exposes.
type Profile struct {
	Provider     Provider
	DisplayName  string
	AuthorizeURL string
	TokenURL     string
	BaseURL      string
	Scopes       []string
	// ResourceTypes is the subset of FHIR resource types the vendor serves.
	ResourceTypes      []string
	RequiresPKCE       bool
	SupportsBulkExport bool
	SupportsPush       bool
	DefaultRPS         float64
	DefaultBurst       int
}

// Supports reports whether the vendor exposes resourceType.
func (p Profile) Supports(resourceType string) bool {
	if len(p.ResourceTypes) == 0 {
		return true
	}
	for _, t := range p.ResourceTypes {
		if t == resourceType {
			return true
		}
	}
	return false
}

var placeholderRe = regexp.MustCompile(`\{([A-Za-z][A-Za-z0-9_]*)\}`)

// expandTemplate substitutes {name} placeholders. Every placeholder must have
// a non-empty value.
func expandTemplate(provider Provider, op, tmpl string, vars map[string]string) (string, error) {
	var missing []string
	out := placeholderRe.ReplaceAllStringFunc(tmpl, func(m string) string {
		name := m[1 : len(m)-1]
		v := vars[name]
		if v == "" {
			missing = append(missing, name)
			return m
		}
		return v
	})
	if len(missing) > 0 {
		return "", ConfigurationError(provider, op, "no value supplied for placeholder(s) %s in %q", strings.Join(missing, ", "), tmpl)
	}
	return out, nil
}

var coreResourceTypes = []string{
	"Patient",
	"Observation",
	"Condition",
	"MedicationRequest",
	"AllergyIntolerance",
	"Immunization",
	"Procedure",
	"DiagnosticReport",
	"Encounter",
	"DocumentReference",
}

func withResourceTypes(extra ...string) []string {
	out := make([]string, 0, len(coreResourceTypes)+len(extra))
	out = append(out, coreResourceTypes...)
	return append(out, extra...)
}

var patientScopes = []string{"launch/patient", "openid", "fhirUser", "offline_access"}

func readScopes(types []string) []string {
	out := make([]string, 0, len(patientScopes)+len(types))
	out = append(out, patientScopes...)
	for _, t := range types {
		out = append(out, "patient/"+t+".read")
	}
	return out
}

// Profiles returns the built-in vendor profiles keyed by provider.
func Profiles() map[Provider]Profile {
	allscriptsTypes := withResourceTypes("Goal", "ServiceRequest", "CarePlan")
	allscriptsScopes := readScopes(allscriptsTypes)
	allscriptsScopes = append(allscriptsScopes, "patient/Goal.write", "patient/ServiceRequest.write")

	return map[Provider]Profile{
		ProviderEpic: {
			Provider:           ProviderEpic,
			DisplayName:        "Epic",
			AuthorizeURL:       "https://fhir.epic.com/interconnect-fhir-oauth/oauth2/authorize",
			TokenURL:           "https://fhir.epic.com/interconnect-fhir-oauth/oauth2/token",
			BaseURL:            "https://fhir.epic.com/interconnect-fhir-oauth/api/FHIR/R4",
			Scopes:             readScopes(coreResourceTypes),
			ResourceTypes:      coreResourceTypes,
			RequiresPKCE:       true,
			SupportsBulkExport: true,
			DefaultRPS:         10,
			DefaultBurst:       20,
		},
		ProviderCerner: {
			Provider:           ProviderCerner,
			DisplayName:        "Oracle Health (Cerner)",
			AuthorizeURL:       "https://authorization.cerner.com/tenants/{tenantId}/protocols/oauth2/profiles/smart-v1/personas/patient/authorize",
			TokenURL:           "https://authorization.cerner.com/tenants/{tenantId}/protocols/oauth2/profiles/smart-v1/token",
			BaseURL:            "https://fhir-myrecord.cerner.com/r4/{tenantId}",
			Scopes:             readScopes(coreResourceTypes),
			ResourceTypes:      coreResourceTypes,
			RequiresPKCE:       true,
			SupportsBulkExport: true,
			SupportsPush:       true,
			DefaultRPS:         15,
			DefaultBurst:       30,
		},
		ProviderAllscripts: {
			Provider:           ProviderAllscripts,
			DisplayName:        "Allscripts",
			AuthorizeURL:       "https://open.allscripts.com/fhirroute/open/authorization/connect/authorize",
			TokenURL:           "https://open.allscripts.com/fhirroute/open/authorization/connect/token",
			BaseURL:            "https://open.allscripts.com/fhirroute/fhir/r4",
			Scopes:             allscriptsScopes,
			ResourceTypes:      allscriptsTypes,
			SupportsBulkExport: true,
			SupportsPush:       true,
			DefaultRPS:         5,
			DefaultBurst:       10,
		},
		ProviderAthenaHealth: {
			Provider:           ProviderAthenaHealth,
			DisplayName:        "athenahealth",
			AuthorizeURL:       "https://api.platform.athenahealth.com/oauth2/v1/authorize",
			TokenURL:           "https://api.platform.athenahealth.com/oauth2/v1/token",
			BaseURL:            "https://api.platform.athenahealth.com/fhir/r4",
			Scopes:             readScopes(coreResourceTypes),
			ResourceTypes:      coreResourceTypes,
			RequiresPKCE:       true,
			SupportsBulkExport: true,
			DefaultRPS:         10,
			DefaultBurst:       10,
		},
		ProviderEClinicalWorks: {
			Provider:      ProviderEClinicalWorks,
			DisplayName:   "eClinicalWorks",
			AuthorizeURL:  "https://oauthserver.eclinicalworks.com/oauth/oauth2/authorize",
			TokenURL:      "https://oauthserver.eclinicalworks.com/oauth/oauth2/token",
			BaseURL:       "https://fhir4.eclinicalworks.com/fhir/r4/{tenantId}",
			Scopes:        readScopes(coreResourceTypes),
			ResourceTypes: coreResourceTypes,
			RequiresPKCE:  true,
			DefaultRPS:    5,
			DefaultBurst:  5,
		},
		ProviderNextGen: {
			Provider:           ProviderNextGen,
			DisplayName:        "NextGen",
			AuthorizeURL:       "https://fhir.nextgen.com/nge/prod/patient-oauth/authorize",
			TokenURL:           "https://fhir.nextgen.com/nge/prod/patient-oauth/token",
			BaseURL:            "https://fhir.nextgen.com/nge/prod/fhir-api-r4/fhir/r4",
			Scopes:             readScopes(coreResourceTypes),
			ResourceTypes:      coreResourceTypes,
			SupportsBulkExport: true,
			DefaultRPS:         8,
			DefaultBurst:       8,
		},
		ProviderMeditech: {
			Provider:      ProviderMeditech,
			DisplayName:   "MEDITECH",
			AuthorizeURL:  "https://greenfield-prod-apis.meditech.com/oauth/authorize",
			TokenURL:      "https://greenfield-prod-apis.meditech.com/oauth/token",
			BaseURL:       "https://greenfield-prod-apis.meditech.com/v2/uscore/R4",
			Scopes:        readScopes(coreResourceTypes),
			ResourceTypes: coreResourceTypes,
			RequiresPKCE:  true,
			DefaultRPS:    5,
			DefaultBurst:  5,
		},
	}
}
