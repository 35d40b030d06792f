package scoring

import (
	"math"
	"time"
)

// Risk buckets a score into a coarse risk tier.
type Risk string

const (
	RiskLow    Risk = "LOW"
	RiskMedium Risk = "MEDIUM"
	RiskHigh   Risk = "HIGH"
)

const (
	baseScore = 50

	earlyDiscoveryBonus  = 10
	earlyDiscoveryWindow = 60 * time.Second

	credibilityBonus     = 10
	credibilityThreshold = 70

	highRiskBelow   = 40
	mediumRiskBelow = 70

	defaultCredibility = 50
)

// Calculate maps discovery recency and source credibility to a score in
// [0,100] and its risk tier. Pure and deterministic.
func Calculate(sinceFirstSeen time.Duration, channelCredibility int) (int, Risk) {
	score := baseScore

	if sinceFirstSeen < earlyDiscoveryWindow {
		score += earlyDiscoveryBonus
	}
	if channelCredibility > credibilityThreshold {
		score += credibilityBonus
	}

	if score < 0 {
		score = 0
	} else if score > 100 {
		score = 100
	}

	return score, RiskFor(score)
}

// RiskFor returns the risk tier for a score. Boundaries are exact: a score
// of 40 is MEDIUM, a score of 70 is LOW.
func RiskFor(score int) Risk {
	switch {
	case score < highRiskBelow:
		return RiskHigh
	case score < mediumRiskBelow:
		return RiskMedium
	default:
		return RiskLow
	}
}

// Credibility derives a channel's credibility from its call counters:
// round(100 * successful/total), clamped to [0,100]. Channels with no calls
// yet sit at the neutral default of 50.
func Credibility(totalCalls, successfulCalls int) int {
	if totalCalls <= 0 {
		return defaultCredibility
	}

	cred := int(math.Round(100 * float64(successfulCalls) / float64(totalCalls)))
	if cred < 0 {
		cred = 0
	} else if cred > 100 {
		cred = 100
	}
	return cred
}
