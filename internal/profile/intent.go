package profile

import "regexp"

// Intent is the analytical goal of a question.
type Intent string

const (
	IntentComparison Intent = "comparison"
	IntentTrend      Intent = "trend"
	IntentForecast   Intent = "forecast"
	IntentAnomaly    Intent = "anomaly"
	IntentData       Intent = "data"
)

// Viz is a default visualization shape.
type Viz string

const (
	VizLine  Viz = "line"
	VizBar   Viz = "bar"
	VizTable Viz = "table"
	VizNone  Viz = "none"
)

// intentRules are evaluated in order; the first match wins. More specific
// intents come first so shared vocabulary does not turn a comparison into
// a trend.
var intentRules = []struct {
	intent  Intent
	pattern *regexp.Regexp
}{
	{IntentComparison, regexp.MustCompile(`(?i)השווה|השוואה|compare|comparison|הבדל|פער|\bvs\.?\b`)},
	{IntentTrend, regexp.MustCompile(`(?i)מגמה|מגמת|trend|שינוי|עליה|עלייה|ירידה`)},
	{IntentForecast, regexp.MustCompile(`(?i)תחזית|חיזוי|forecast|predict`)},
	{IntentAnomaly, regexp.MustCompile(`(?i)חריג|anomaly|סטיה|סטייה|outlier`)},
}

// Classify returns the first matching intent, or IntentData.
func Classify(question string) Intent {
	for _, r := range intentRules {
		if r.pattern.MatchString(question) {
			return r.intent
		}
	}
	return IntentData
}

// ChooseViz picks a default chart shape from intent and result profile.
func ChooseViz(intent Intent, p Profile) Viz {
	switch {
	case intent == IntentTrend && len(p.Dates) > 0:
		return VizLine
	case intent == IntentComparison && len(p.Numerics) > 1:
		return VizBar
	case len(p.Numerics) > 0 && len(p.Dates) > 0:
		return VizLine
	case len(p.Numerics) > 0:
		return VizBar
	default:
		return VizTable
	}
}
