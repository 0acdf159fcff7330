package util

import (
	"strings"

	"broadcast/internal/domain"
)

// RenderTemplate does {var} replacement, used for free-form previews and the audit body.
func RenderTemplate(body string, vars map[string]string) string {
	out := body
	for k, v := range vars {
		out = strings.ReplaceAll(out, "{"+k+"}", v)
	}
	return out
}

// ContactVariables resolves template variable names from a contact: well-known
// contact fields first, then custom fields, then empty string.
func ContactVariables(c domain.Contact, names []string) map[string]string {
	out := make(map[string]string, len(names))
	for _, n := range names {
		out[n] = contactField(c, n)
	}
	return out
}

func contactField(c domain.Contact, name string) string {
	switch strings.ToLower(name) {
	case "name", "contact_name":
		if n := strings.TrimSpace(c.Name); n != "" {
			return n
		}
	case "first_name":
		if f := strings.Fields(c.Name); len(f) > 0 {
			return f[0]
		}
	case "phone":
		return c.Phone
	}
	if v, ok := c.CustomFields[name]; ok {
		return v
	}
	return ""
}
