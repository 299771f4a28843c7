package prediction

import (
	"math"
	"time"

	"github.com/lvonguyen/repsentinel/internal/playbooks"
	"github.com/lvonguyen/repsentinel/internal/repository"
	"github.com/lvonguyen/repsentinel/internal/taxonomy"
)

// External risk-factor flags understood by the rules.
const (
	FactorLegalDiscussion = "legal_discussion"
	FactorAIGenerated     = "ai_generated_content"
)

// Rule constants.
const (
	reputationPerThreat = 0.1
	reputationPerAttack = 0.15
	reputationCap       = 0.95
	legalPerCluster     = 0.2
	legalPerThreat      = 0.1
	legalCap            = 0.90
	legalFloor          = 0.2
	syntheticConfidence = 0.75
	viralTimeframe      = "24h"
	viralVelocityWindow = 24 * time.Hour
	viralAttackSurface  = 0.7
	viralPlatformSpread = 4
)

// Input is everything a single evaluation looks at.
type Input struct {
	Threats     []repository.MatchedThreat
	Clusters    []repository.NarrativeCluster
	Timeframe   string
	RiskFactors []string
	Now         time.Time
}

// Candidate is a fired rule before playbook enrichment.
type Candidate struct {
	Type       string
	Confidence float64
	Timeframe  string
}

// Thresholds tune when the rules fire.
type Thresholds struct {
	Reputation  int
	ViralCutoff float64
}

// DefaultThresholds returns the standard rule thresholds.
func DefaultThresholds() Thresholds {
	return Thresholds{Reputation: 0, ViralCutoff: 0.3}
}

type tally struct {
	reputationThreats int
	legalThreats      int
	attackClusters    int
	legalClusters     int
}

func count(in Input) tally {
	var t tally
	for _, th := range in.Threats {
		switch th.ThreatType {
		case string(taxonomy.ThreatReputation):
			t.reputationThreats++
		case string(taxonomy.ThreatLegal):
			t.legalThreats++
		}
	}
	for _, c := range in.Clusters {
		switch c.Intent {
		case repository.IntentAttack:
			t.attackClusters++
		case repository.IntentLegal:
			t.legalClusters++
		}
	}
	return t
}

// Evaluate applies every rule independently and returns the candidates
// that fired, in rule order.
func Evaluate(in Input, th Thresholds) []Candidate {
	t := count(in)
	var out []Candidate

	if t.reputationThreats+t.attackClusters > th.Reputation {
		conf := float64(t.reputationThreats)*reputationPerThreat + float64(t.attackClusters)*reputationPerAttack
		out = append(out, Candidate{
			Type:       playbooks.ReputationEscalation,
			Confidence: math.Min(reputationCap, conf),
			Timeframe:  in.Timeframe,
		})
	}

	if t.legalClusters > 0 || t.legalThreats > 0 || hasFactor(in.RiskFactors, FactorLegalDiscussion) {
		conf := float64(t.legalClusters)*legalPerCluster + float64(t.legalThreats)*legalPerThreat
		out = append(out, Candidate{
			Type:       playbooks.LegalEscalation,
			Confidence: math.Max(legalFloor, math.Min(legalCap, conf)),
			Timeframe:  in.Timeframe,
		})
	}

	if score := ViralScore(in.Threats, in.Clusters, in.Now); score > th.ViralCutoff {
		out = append(out, Candidate{
			Type:       playbooks.ViralAmplification,
			Confidence: score,
			Timeframe:  viralTimeframe,
		})
	}

	if hasFactor(in.RiskFactors, FactorAIGenerated) {
		out = append(out, Candidate{
			Type:       playbooks.SyntheticMedia,
			Confidence: syntheticConfidence,
			Timeframe:  in.Timeframe,
		})
	}

	return out
}

// ViralScore estimates how likely coverage is to spread quickly. It adds
// 0.3 for more than 5 threats in the last 24h and 0.2 more past 10, 0.4
// for any attack cluster with surface above 0.7, and 0.2 when threats
// span at least 4 platforms. The result is capped at 1.
func ViralScore(threats []repository.MatchedThreat, clusters []repository.NarrativeCluster, now time.Time) float64 {
	score := 0.0

	cutoff := now.Add(-viralVelocityWindow)
	recent := 0
	platforms := make(map[string]struct{})
	for _, t := range threats {
		if t.CreatedAt.After(cutoff) {
			recent++
		}
		platforms[t.Platform] = struct{}{}
	}
	if recent > 5 {
		score += 0.3
	}
	if recent > 10 {
		score += 0.2
	}

	for _, c := range clusters {
		if c.Intent == repository.IntentAttack && c.AttackSurface > viralAttackSurface {
			score += 0.4
			break
		}
	}

	if len(platforms) >= viralPlatformSpread {
		score += 0.2
	}

	return math.Min(1.0, score)
}

// TypeWeight is the weight of a prediction type in the overall risk score.
func TypeWeight(predictionType string) float64 {
	switch predictionType {
	case playbooks.ViralAmplification:
		return 1.0
	case playbooks.LegalEscalation:
		return 0.9
	case playbooks.ReputationEscalation:
		return 0.8
	case playbooks.SyntheticMedia:
		return 0.7
	case playbooks.NarrativeAttack:
		return 0.6
	default:
		return 0.5
	}
}

// RiskScore is the type-weighted mean of prediction confidences, capped
// at 1. It is 0 with no predictions.
func RiskScore(preds []repository.ThreatPrediction) float64 {
	var weighted, total float64
	for _, p := range preds {
		w := TypeWeight(p.ThreatType)
		weighted += p.Confidence * w
		total += w
	}
	if total == 0 {
		return 0
	}
	return math.Min(1.0, weighted/total)
}

func hasFactor(factors []string, want string) bool {
	for _, f := range factors {
		if f == want {
			return true
		}
	}
	return false
}
