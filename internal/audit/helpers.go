package audit

import (
	"strings"

	"github.com/emersion/go-message/mail"
)

// domainOf returns the lower-cased domain of the first parseable address in
// a From header, decoding encoded-word display names on the way.
func domainOf(from string) string {
	from = strings.TrimSpace(from)
	if from == "" {
		return ""
	}
	addrs, err := mail.ParseAddressList(from)
	if err != nil {
		return extractDomain(from)
	}
	for _, addr := range addrs {
		if dom := extractDomain(addr.Address); dom != "" {
			return dom
		}
	}
	return ""
}

func extractDomain(address string) string {
	address = strings.ToLower(strings.TrimSpace(address))
	at := strings.LastIndex(address, "@")
	if at == -1 {
		return ""
	}
	return strings.Trim(address[at+1:], ".<> ")
}

// normalizeListID reduces `Name <list.example.com>` or `<list.example.com>`
// to `list.example.com`.
func normalizeListID(raw string) string {
	raw = strings.TrimSpace(raw)
	if open := strings.LastIndex(raw, "<"); open != -1 {
		if end := strings.Index(raw[open:], ">"); end != -1 {
			raw = raw[open+1 : open+end]
		}
	}
	return strings.ToLower(strings.Trim(raw, "\"<> "))
}
