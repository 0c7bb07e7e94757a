package variant

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowcore/workflowengine/contextstore"
)

// S2 from the literal scenarios.
func TestVariantEscalationScenarioS2(t *testing.T) {
	store := contextstore.New()
	variants := Generate(store, "Geschäftsführer", "Sereetz", []string{"PHP"})

	require.GreaterOrEqual(t, len(variants), 5)

	assert.Equal(t, Variant{
		Strategy: "exact", Priority: 0,
		What: "Geschäftsführer", Where: "Sereetz", RadiusKM: 0,
		Description: "Geschäftsführer in Sereetz",
	}, variants[0])

	assert.Equal(t, 1, variants[1].Priority)
	assert.Equal(t, 10, variants[1].RadiusKM)
	assert.Equal(t, 2, variants[2].Priority)
	assert.Equal(t, 20, variants[2].RadiusKM)

	var synonymVariant, skillVariant *Variant
	for i := range variants {
		if variants[i].Priority == 10 {
			synonymVariant = &variants[i]
		}
		if variants[i].Priority >= 100 {
			skillVariant = &variants[i]
		}
	}
	require.NotNil(t, synonymVariant)
	assert.Equal(t, "Niederlassungsleiter", synonymVariant.What)
	assert.Equal(t, "Sereetz", synonymVariant.Where)

	require.NotNil(t, skillVariant)
	assert.Equal(t, "PHP", skillVariant.What)

	assert.Equal(t, len(variants), store.Get("search_variants_count"))
	assert.NotNil(t, store.Get("search_variants_list"))
}

func TestVariantOrderingStrictlyAscending(t *testing.T) {
	variants := Generate(nil, "Teamleiter", "Berlin", []string{"Go", "SQL"})
	for i := 1; i < len(variants); i++ {
		assert.LessOrEqual(t, variants[i-1].Priority, variants[i].Priority)
	}
}

func TestVariantCapRespected(t *testing.T) {
	skills := make([]string, 30)
	for i := range skills {
		skills[i] = "skill"
	}
	variants := Generate(nil, "Projektmanager", "Hamburg", skills)
	assert.LessOrEqual(t, len(variants), maxVariants)
}
