package helpers

import (
	"fmt"
	"net/mail"
	"strings"
)

// CanonicalizeSender reduces a raw From header value to the automation
// grouping key: the lowercased address without display name. Accepts both
// "Name <addr@example.com>" and bare "addr@example.com" forms.
func CanonicalizeSender(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("empty sender")
	}
	if addr, err := mail.ParseAddress(raw); err == nil {
		return strings.ToLower(addr.Address), nil
	}
	// Some senders emit malformed display names; fall back to the last
	// angle-bracketed token before giving up.
	if i := strings.LastIndex(raw, "<"); i >= 0 {
		if j := strings.Index(raw[i:], ">"); j > 1 {
			candidate := strings.ToLower(strings.TrimSpace(raw[i+1 : i+j]))
			if strings.Contains(candidate, "@") {
				return candidate, nil
			}
		}
	}
	if strings.Contains(raw, "@") && !strings.ContainsAny(raw, " <>") {
		return strings.ToLower(raw), nil
	}
	return "", fmt.Errorf("unparsable sender %q", raw)
}

func SplitEmailAddress(email string) (string, string) {
	email = strings.ToLower(email)
	parts := strings.Split(email, "@")
	if len(parts) != 2 {
		return email, ""
	}
	return parts[0], parts[1]
}

// SenderDomain returns the domain part of a canonical sender identity,
// used when automation is keyed on the whole sending domain.
func SenderDomain(sender string) string {
	_, domain := SplitEmailAddress(sender)
	return domain
}
