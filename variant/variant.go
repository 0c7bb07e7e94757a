// Package variant generates the priority-ordered search tuples used by
// job-search-style workflows to escalate a search when the exact ask
// returns nothing, adapted from the teacher's catalog/capability
// matching idiom (ranked candidates with a deterministic tie-break)
// applied to a different domain: search variants instead of agents.
package variant

import (
	"fmt"

	"github.com/flowcore/workflowengine/contextstore"
)

// Variant is one (what, where, radius) search tuple.
type Variant struct {
	Strategy    string `json:"strategy"`
	Priority    int    `json:"priority"`
	What        string `json:"what"`
	Where       string `json:"where"`
	RadiusKM    int    `json:"radius"`
	Description string `json:"description"`
}

// expandRadii are the radii tried, in km, after the exact match.
var expandRadii = []int{10, 20, 50}

// synonyms is the fixed role -> alternatives mapping. A small seed set
// grounded in the one example given by the domain (spec §4.4); extend
// by adding entries here, not by branching generation logic.
var synonyms = map[string][]string{
	"geschäftsführer": {"Niederlassungsleiter", "Betriebsleiter"},
	"teamleiter":       {"Abteilungsleiter", "Gruppenleiter"},
	"projektmanager":   {"Projektleiter", "Programmmanager"},
}

// maxVariants bounds the output size (spec: "count never exceeds an
// implementation-chosen cap").
const maxVariants = 15

// Generate produces the deterministic, priority-sorted sequence of
// variants for (baseTitle, baseLocation, skills), and writes it into
// store as "search_variants_list"/"search_variants_count" so later
// steps can resolve against it via the placeholder resolver.
func Generate(store *contextstore.Store, baseTitle, baseLocation string, skills []string) []Variant {
	variants := make([]Variant, 0, maxVariants)

	// 1. Exact match at priority 0.
	variants = append(variants, Variant{
		Strategy: "exact", Priority: 0,
		What: baseTitle, Where: baseLocation, RadiusKM: 0,
		Description: fmt.Sprintf("%s in %s", baseTitle, baseLocation),
	})

	// 2. Expanding radius at priorities 1, 2, 3.
	for i, radius := range expandRadii {
		if len(variants) >= maxVariants {
			break
		}
		variants = append(variants, Variant{
			Strategy: "radius", Priority: i + 1,
			What: baseTitle, Where: baseLocation, RadiusKM: radius,
			Description: fmt.Sprintf("%s within %dkm of %s", baseTitle, radius, baseLocation),
		})
	}

	// 3. Title synonyms at priorities 10, 20, ...
	if alts, ok := synonyms[normalize(baseTitle)]; ok {
		for i, alt := range alts {
			if len(variants) >= maxVariants {
				break
			}
			variants = append(variants, Variant{
				Strategy: "synonym", Priority: (i + 1) * 10,
				What: alt, Where: baseLocation, RadiusKM: 0,
				Description: fmt.Sprintf("%s in %s", alt, baseLocation),
			})
		}
	}

	// 4. Skill-as-title fallback at priorities 100, 110, ...
	for i, skill := range skills {
		if len(variants) >= maxVariants {
			break
		}
		variants = append(variants, Variant{
			Strategy: "skill", Priority: 100 + i*10,
			What: skill, Where: baseLocation, RadiusKM: 0,
			Description: fmt.Sprintf("%s in %s", skill, baseLocation),
		})
	}

	if len(variants) > maxVariants {
		variants = variants[:maxVariants]
	}

	if store != nil {
		list := make([]interface{}, len(variants))
		for i, v := range variants {
			list[i] = map[string]interface{}{
				"strategy":    v.Strategy,
				"priority":    v.Priority,
				"what":        v.What,
				"where":       v.Where,
				"radius":      v.RadiusKM,
				"description": v.Description,
			}
		}
		store.Set("search_variants_list", list)
		store.Set("search_variants_count", len(list))
	}

	return variants
}

func normalize(title string) string {
	out := make([]rune, 0, len(title))
	for _, r := range title {
		if r >= 'A' && r <= 'Z' {
			r = r + ('a' - 'A')
		}
		out = append(out, r)
	}
	return string(out)
}
