package workers

import (
	"context"
	"net/url"
	"strings"

	"golang.org/x/net/publicsuffix"
)

// CitationScorer resolves each source to its registrable domain and assigns
// a reliability score.
type CitationScorer struct {
	// DomainScores maps registrable domains (e.g. "wikipedia.org") to a score.
	DomainScores map[string]float64
}

func (c *CitationScorer) Kind() Kind { return KindCitation }

// Run implements Stage.
func (c *CitationScorer) Run(ctx context.Context, req Request, res *Result) error {
	for i := range res.Sources {
		c.score(&res.Sources[i].Domain, &res.Sources[i].ReliabilityScore, res.Sources[i].URL)
	}
	for i := range res.Documents {
		d := &res.Documents[i].Source
		c.score(&d.Domain, &d.ReliabilityScore, d.URL)
	}
	return nil
}

func (c *CitationScorer) score(domain *string, score *float64, rawURL string) {
	*domain = RegistrableDomain(rawURL)
	*score = c.Score(rawURL)
}

// Score returns the reliability of a URL in [0, 1].
func (c *CitationScorer) Score(rawURL string) float64 {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return 0.3
	}
	domain := RegistrableDomain(rawURL)
	host := strings.ToLower(u.Hostname())

	score, ok := c.DomainScores[domain]
	if !ok {
		switch {
		case strings.HasSuffix(host, ".gov") || strings.HasSuffix(host, ".edu"):
			score = 0.85
		case strings.HasSuffix(host, ".org"):
			score = 0.6
		default:
			score = 0.5
		}
	}
	if u.Scheme == "https" {
		score += 0.05
	}
	if score > 1 {
		score = 1
	}
	return score
}

// RegistrableDomain returns the eTLD+1 of a URL's host, or the bare host
// when it has none (IP addresses, localhost).
func RegistrableDomain(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return ""
	}
	domain, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		return host
	}
	return domain
}
