package httpadapter

import (
	api "cookiescan/internal/api"
	"cookiescan/internal/domain"
)

func toAPIScan(s domain.Scan) api.Scan {
	return api.Scan{
		Id:          s.ID,
		TenantId:    s.TenantID,
		Url:         s.URL,
		Site:        s.Site,
		Status:      api.ScanStatus(s.Status),
		Error:       s.Error,
		EvidenceUrl: s.EvidenceURL,
		CreatedAt:   s.CreatedAt,
		StartedAt:   s.StartedAt,
		CompletedAt: s.CompletedAt,
		UpdatedAt:   s.UpdatedAt,
	}
}

// toAPICookies never returns nil so an empty jar encodes as [].
func toAPICookies(in []domain.CookieRecord) []api.Cookie {
	out := make([]api.Cookie, 0, len(in))
	for _, c := range in {
		out = append(out, api.Cookie{
			Id:          c.ID,
			ScanId:      c.ScanID,
			Name:        c.Name,
			Domain:      c.Domain,
			Path:        c.Path,
			Value:       c.Value,
			Expiration:  c.Expiration,
			Secure:      c.Secure,
			HttpOnly:    c.HTTPOnly,
			SameSite:    c.SameSite,
			Source:      c.Source,
			Category:    api.CookieCategory(c.Category),
			Description: c.Description,
			FirstParty:  c.FirstParty,
		})
	}
	return out
}
