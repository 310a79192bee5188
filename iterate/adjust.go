package iterate

import (
	"fmt"
	"math"
	"sort"
	"strings"
)

// Tier is one adjustment block, applied when the diff percentage is strictly
// above Above.
type Tier struct {
	Type  string  `yaml:"type" json:"type"`
	Above float64 `yaml:"above" json:"above"`
	Rules string  `yaml:"rules" json:"rules"`
}

// DefaultTiers returns the stock adjustment tiers, broadest first.
func DefaultTiers() []Tier {
	return []Tier{
		{Type: "layout", Above: 50, Rules: `* { box-sizing: border-box; }
.container { max-width: 1200px; margin: 0 auto; padding: 0 20px; }
.grid { display: grid; grid-template-columns: repeat(auto-fit, minmax(300px, 1fr)); gap: 2rem; }
.flex { display: flex; align-items: center; justify-content: center; }`},
		{Type: "spacing", Above: 30, Rules: `section { padding: 3rem 0; }
.card { padding: 2rem; margin-bottom: 2rem; }
h1, h2, h3 { margin-bottom: 1rem; }
p { margin-bottom: 1rem; line-height: 1.6; }`},
		{Type: "styling", Above: 20, Rules: `body { font-family: -apple-system, BlinkMacSystemFont, "Segoe UI", Roboto, sans-serif; }
.card { background: #fff; border-radius: 8px; box-shadow: 0 2px 10px rgba(0, 0, 0, 0.1); }
.button { background: #007bff; color: #fff; border: none; padding: 0.75rem 1.5rem; border-radius: 4px; cursor: pointer; }
.button:hover { background: #0056b3; }`},
		{Type: "responsive", Above: 10, Rules: `@media (max-width: 768px) {
  .container { padding: 0 15px; }
  .grid { grid-template-columns: 1fr; gap: 1rem; }
  section { padding: 2rem 0; }
  h1 { font-size: 2rem; }
  h2 { font-size: 1.5rem; }
}`},
	}
}

// Marker returns the comment that opens an adjustment block.
func Marker(typ string, iteration int) string {
	return fmt.Sprintf("/* designloop:adjust type=%s iteration=%d */", typ, iteration)
}

// HasAdjustment reports whether css already carries a block of type typ.
func HasAdjustment(css, typ string) bool {
	return strings.Contains(css, "/* designloop:adjust type="+typ+" ")
}

// ApplyAdjustments appends every tier whose threshold diffPct exceeds and
// whose type is not yet present in css. Tiers are cumulative: a large diff
// triggers all lower tiers too. It returns the new stylesheet and the types
// appended, broadest first.
func ApplyAdjustments(css string, diffPct float64, iteration int, tiers []Tier) (string, []string) {
	if math.IsNaN(diffPct) || diffPct < 0 {
		return css, nil
	}
	ordered := make([]Tier, len(tiers))
	copy(ordered, tiers)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Above > ordered[j].Above })

	var b strings.Builder
	b.WriteString(css)
	var applied []string
	for _, t := range ordered {
		if t.Type == "" || diffPct <= t.Above {
			continue
		}
		if HasAdjustment(b.String(), t.Type) {
			continue
		}
		if b.Len() > 0 && !strings.HasSuffix(b.String(), "\n") {
			b.WriteByte('\n')
		}
		b.WriteString(Marker(t.Type, iteration))
		b.WriteByte('\n')
		b.WriteString(strings.TrimSpace(t.Rules))
		b.WriteByte('\n')
		applied = append(applied, t.Type)
	}
	return b.String(), applied
}
