package acquire

import (
	"math"
	"net/url"
	"path"
	"sort"
	"strings"

	"github.com/alvmarrod/image-weaver/internal/search"
)

// Score weights
const (
	trustedDomainBonus = 5.0
	resolutionBonus    = 3.0
	undersizedPenalty  = 5.0
	penaltyTermCost    = 4.0
	maxMegapixelBonus  = 3.0
)

var formatHints = map[string]float64{
	".jpg":  2,
	".jpeg": 2,
	".png":  2,
	".webp": 1,
	".bmp":  0,
	".tif":  0,
	".tiff": 0,
	".gif":  -2,
	".svg":  -10,
	".ico":  -10,
}

// Rank orders candidates by Score, best first, keeping the original order on
// ties. Candidates on excluded hosts or without an http(s) URL are dropped.
// With MaxPerDomain set, a domain's surplus candidates move to the back.
func (p *Pipeline) Rank(candidates []search.Candidate) []search.Candidate {
	ranked, _ := p.rank(candidates)
	return ranked
}

func (p *Pipeline) rank(candidates []search.Candidate) (ranked, excluded []search.Candidate) {
	type scored struct {
		c     search.Candidate
		score float64
	}
	items := make([]scored, 0, len(candidates))
	for _, c := range candidates {
		host, err := ExtractDomain(c.URL)
		if err != nil || host == "" || IsExcluded(host) {
			excluded = append(excluded, c)
			continue
		}
		items = append(items, scored{c: c, score: p.Score(c)})
	}

	sort.SliceStable(items, func(i, j int) bool {
		return items[i].score > items[j].score
	})

	ranked = make([]search.Candidate, len(items))
	for i, it := range items {
		ranked[i] = it.c
	}
	return NewDomainLimiter(p.opts.MaxPerDomain).Diversify(ranked), excluded
}

// Score is a metadata-only estimate of candidate quality. It never touches
// the network.
func (p *Pipeline) Score(c search.Candidate) float64 {
	score := 0.0

	host, _ := ExtractDomain(c.URL)
	urlPath := strings.ToLower(c.URL)
	if u, err := url.Parse(c.URL); err == nil {
		urlPath = strings.ToLower(u.Path)
	}

	// Format hint from the extension
	score += formatHints[path.Ext(urlPath)]

	// Known-good domain
	for _, d := range p.opts.TrustedDomains {
		if matchesDomain(host, d) {
			score += trustedDomainBonus
			break
		}
	}

	// Resolution hint, when the source reported one
	if c.Width > 0 && c.Height > 0 {
		if c.Width >= p.opts.MinWidth && c.Height >= p.opts.MinHeight {
			score += resolutionBonus
			score += math.Min(float64(c.Width*c.Height)/1e6, maxMegapixelBonus)
		} else {
			score -= undersizedPenalty
		}
	}

	// Penalty substrings in the URL or title
	haystack := strings.ToLower(c.URL + " " + c.Title)
	for _, term := range p.opts.PenaltyTerms {
		if term != "" && strings.Contains(haystack, strings.ToLower(term)) {
			score -= penaltyTermCost
		}
	}

	// Small per-source trust
	score += p.opts.SourceTrust[c.Source]

	return score
}
