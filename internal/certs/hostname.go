package certs

import "strings"

// MatchesHostname reports whether a certificate name (CN or SAN) covers a
// target domain. Rules, in order:
//
//	exact:       names are equal, case-insensitively
//	wildcard:    *.base covers exactly one extra label in front of base
//	multi-level: *.sld.tld covers any name of three or more labels
//	             ending in sld.tld
//
// Suffix checks are on label boundaries so that *.example.com never covers
// badexample.com or example.com.evil.org.
func MatchesHostname(certName, target string) bool {
	certName = normalizeHost(certName)
	target = normalizeHost(target)
	if certName == "" || target == "" {
		return false
	}

	if certName == target {
		return true
	}

	base, ok := strings.CutPrefix(certName, "*.")
	if !ok || base == "" || strings.Contains(base, "*") {
		return false
	}

	if label, ok := strings.CutSuffix(target, "."+base); ok {
		if label != "" && !strings.Contains(label, ".") {
			return true
		}
	}

	labels := strings.Split(target, ".")
	if len(labels) >= 3 {
		parent := strings.Join(labels[len(labels)-2:], ".")
		if base == parent {
			return true
		}
	}

	return false
}

// MatchesAny reports whether any of names covers target
func MatchesAny(names []string, target string) bool {
	for _, n := range names {
		if MatchesHostname(n, target) {
			return true
		}
	}
	return false
}

func normalizeHost(h string) string {
	return strings.TrimSuffix(strings.ToLower(strings.TrimSpace(h)), ".")
}
