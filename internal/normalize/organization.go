package normalize

import "sort"

// FallbackOrganization is the catalog organization used for unmapped owners.
const FallbackOrganization = "other"

// organizations maps source-platform owners (GitHub organizations) to catalog
// organization slugs. It is read-only after init.
var organizations = map[string]string{
	"datopian":             "datopian",
	"okfn":                 "okfn",
	"DataShades":           "link-digital",
	"ckan":                 "ckan",
	"keitaroinc":           "keitaro",
	"geosolutions-it":      "geosolutions",
	"NaturalHistoryMuseum": "natural-history-museum",
	"ccca-dc":              "climate-change-centre-austria",
	"OpenGov-OpenData":     "opengov",
	"vrk-kpa":              "finnish-digital-agency",
	"qld-gov-au":           "queensland-government",
	"frictionlessdata":     "frictionless-data",
	"aptivate":             "aptivate",
	"GSA":                  "u-s-general-services-administration",
	"TIBHannover":          "technische-informationsbibliothek-tib",
	"XVTSolutions":         "xvt-solutions",
	"CodeForAfrica":        "code-for-africa-cfa",
	"conwetlab":            "conwet-lab",
	"berlinonline":         "berlinonline-gmbh",
	"dpc-sdp":              "single-digital-presence-department-of-government-services-victoria",
	"datagovau":            "data-gov-au",
	"dathere":              "dathere",
	"open-data":            "open-government-initiative-initiative-sur-le-gouvernement-ouvert",
	"bcgov":                "b-c-government",
}

// MapOrganization returns the catalog slug for a source owner. Lookup is exact
// and case-sensitive; unknown owners map to FallbackOrganization with mapped=false.
func MapOrganization(owner string) (slug string, mapped bool) {
	if s, ok := organizations[owner]; ok {
		return s, true
	}
	return FallbackOrganization, false
}

// Organizations returns the source owners known to MapOrganization, sorted.
func Organizations() []string {
	out := make([]string, 0, len(organizations))
	for k := range organizations {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
