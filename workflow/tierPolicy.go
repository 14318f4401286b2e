package workflow

import "github.com/mmdatafocus/production_backend/models"

// tierSources maps a target tier to the tiers it may consume. Anything absent is denied.
var tierSources = map[models.Tier][]models.Tier{
	models.TierRawMaterial:   {},
	models.TierIntermediateA: {models.TierRawMaterial},
	models.TierIntermediateB: {models.TierRawMaterial, models.TierIntermediateA},
	models.TierFinishedGood:  {models.TierRawMaterial, models.TierIntermediateA, models.TierIntermediateB},
}

// IsAllowedSource reports whether a unit of sourceTier may be consumed to produce targetTier.
func IsAllowedSource(sourceTier, targetTier models.Tier) bool {
	for _, t := range tierSources[targetTier] {
		if t == sourceTier {
			return true
		}
	}
	return false
}

// AllowedSources returns a fresh slice, ordered from raw material upward.
// An unknown or raw-material target yields an empty set.
func AllowedSources(targetTier models.Tier) []models.Tier {
	return append([]models.Tier{}, tierSources[targetTier]...)
}
