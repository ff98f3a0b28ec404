// Package classifier assigns a purpose category to a cookie from its name.
package classifier

import (
	"strings"

	"cookiescan/internal/domain"
)

type group struct {
	category  domain.Category
	fragments []string
}

// groups are evaluated in order; the first fragment hit wins.
var groups = [...]group{
	{domain.CategoryAnalytics, []string{"_ga", "_gid", "_gat", "utma", "utmb", "utmc", "utmz", "_hjid", "_hjsession", "_hjincluded"}},
	{domain.CategoryMarketing, []string{"fbp", "_fbc", "ide", "test_cookie", "muid", "anonchk", "_ttp", "fr_"}},
	{domain.CategoryFunctional, []string{"lang", "locale", "language", "seen_cookie", "cookie_notice", "cookie_consent", "gdpr"}},
	{domain.CategoryNecessary, []string{"session", "csrf", "xsrf", "jsessionid", "phpsessid", "asp.net_", "cf_clearance", "__cfduid", "token", "auth"}},
}

// Categorize matches the lowercased name against the keyword groups and
// returns Unknown when nothing matches.
func Categorize(name string) domain.Category {
	n := strings.ToLower(name)
	for _, g := range groups {
		for _, f := range g.fragments {
			if strings.Contains(n, f) {
				return g.category
			}
		}
	}
	return domain.CategoryUnknown
}
