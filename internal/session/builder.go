package session

import (
	"strings"

	"agency-portal-backend/internal/domain"
)

const defaultDisplayName = "User"

// BuildUserView merges session claims, provider metadata and the profile row.
// Precedence per field: profile row > session metadata > computed default.
// It performs no I/O and never aliases its inputs.
func BuildUserView(s *domain.Session, row *domain.ProfileRow) *domain.UserView {
	if s == nil {
		return nil
	}
	meta := s.User.Metadata
	if row == nil {
		row = &domain.ProfileRow{}
	}

	view := &domain.UserView{
		ID:    s.User.ID,
		Email: s.User.Email,
		Name: firstNonBlank(
			deref(row.FullName),
			metaString(meta, "full_name"),
			metaString(meta, "name"),
			emailLocalPart(s.User.Email),
			defaultDisplayName,
		),
		IsAdmin: resolveAdmin(row.IsAdmin, meta),
		Phone:   optional(firstNonBlank(deref(row.Phone), metaString(meta, "phone"))),
		Company: optional(firstNonBlank(deref(row.Company), metaString(meta, "company"))),
	}
	return view
}

func resolveAdmin(profile *bool, meta map[string]any) bool {
	if profile != nil {
		return *profile
	}
	switch v := meta["is_admin"].(type) {
	case bool:
		return v
	case string:
		return strings.EqualFold(v, "true")
	}
	return strings.EqualFold(metaString(meta, "role"), "admin")
}

func metaString(meta map[string]any, key string) string {
	if meta == nil {
		return ""
	}
	v, _ := meta[key].(string)
	return v
}

func emailLocalPart(email string) string {
	local, _, _ := strings.Cut(email, "@")
	return local
}

func firstNonBlank(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

func deref(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

func optional(v string) *string {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	return &v
}
