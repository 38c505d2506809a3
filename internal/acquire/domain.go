package acquire

import (
	"net"
	"net/url"
	"regexp"
	"strings"

	"golang.org/x/net/publicsuffix"
)

// Excluded host patterns (social media, ads, analytics, tracking pixels)
var excludedPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(facebook|fb)\.com`),
	regexp.MustCompile(`(?i)twitter\.com`),
	regexp.MustCompile(`(?i)instagram\.com`),
	regexp.MustCompile(`(?i)linkedin\.com`),
	regexp.MustCompile(`(?i)google-analytics\.com`),
	regexp.MustCompile(`(?i)doubleclick\.net`),
	regexp.MustCompile(`(?i)^ads?\.`),
	regexp.MustCompile(`(?i)^analytics?\.`),
	regexp.MustCompile(`(?i)^pixel\.`),
	regexp.MustCompile(`(?i)googletagmanager\.com`),
}

// ExtractDomain extracts the lowercase hostname from a URL string
func ExtractDomain(urlStr string) (string, error) {
	// Handle protocol-relative URLs
	if strings.HasPrefix(urlStr, "//") {
		urlStr = "https:" + urlStr
	}

	// Relative URLs have no host
	if !strings.Contains(urlStr, "://") {
		return "", nil
	}

	parsed, err := url.Parse(urlStr)
	if err != nil {
		return "", err
	}

	return strings.ToLower(parsed.Hostname()), nil
}

// RegistrableDomain returns the eTLD+1 of a host.
// Example: images.shop.example.co.uk -> example.co.uk
func RegistrableDomain(host string) string {
	host = strings.TrimSuffix(strings.ToLower(host), ".")
	if net.ParseIP(host) != nil {
		return host
	}
	if d, err := publicsuffix.EffectiveTLDPlusOne(host); err == nil {
		return d
	}
	return host
}

// IsExcluded checks if a host matches any excluded pattern
func IsExcluded(host string) bool {
	for _, pattern := range excludedPatterns {
		if pattern.MatchString(host) {
			return true
		}
	}
	return false
}

// matchesDomain reports whether host is domain, a subdomain of it, or shares
// its registrable domain.
func matchesDomain(host, domain string) bool {
	domain = strings.ToLower(strings.TrimSpace(domain))
	if host == "" || domain == "" {
		return false
	}
	if host == domain || strings.HasSuffix(host, "."+domain) {
		return true
	}
	return RegistrableDomain(host) == RegistrableDomain(domain)
}
