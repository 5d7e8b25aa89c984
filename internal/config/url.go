package config

import (
	"net"
	"regexp"
	"strings"
)

// ul is the range of non-ASCII letters allowed in host labels.
const ul = `\x{00a1}-\x{ffff}`

const (
	ipv4Pattern = `(?:0|25[0-5]|2[0-4][0-9]|1[0-9]?[0-9]?|[1-9][0-9]?)` +
		`(?:\.(?:0|25[0-5]|2[0-4][0-9]|1[0-9]?[0-9]?|[1-9][0-9]?)){3}`
	ipv6Pattern = `\[([0-9a-f:.]+)\]`

	// Labels are at most 63 characters and never start or end with a dash.
	labelPattern    = `[a-z` + ul + `0-9](?:[a-z` + ul + `0-9-]{0,61}[a-z` + ul + `0-9])?`
	hostnamePattern = labelPattern
	domainPattern   = `(?:\.` + labelPattern + `)*`
	tldPattern      = `\.(?:[a-z` + ul + `][a-z` + ul + `-]{0,61}[a-z` + ul + `]|xn--[a-z0-9]{1,59})\.?`
	hostPattern     = `(?:` + hostnamePattern + domainPattern + tldPattern + `|localhost)`

	urlPattern = `(?i)^[a-z][a-z0-9.+-]*://` +
		`(?:[^\s:@/]+(?::[^\s:@/]*)?@)?` +
		`(?:` + ipv4Pattern + `|` + ipv6Pattern + `|` + hostPattern + `)` +
		`(?::[0-9]{1,5})?` +
		`(?:[/?#]\S*)?\z`
)

var urlRe = regexp.MustCompile(urlPattern)

// IsValidURL reports whether raw is an absolute URL with a scheme and an
// IPv4, bracketed IPv6, dotted hostname or localhost authority.
func IsValidURL(raw string) bool {
	m := urlRe.FindStringSubmatch(raw)
	if m == nil {
		return false
	}
	if ip6 := m[1]; ip6 != "" {
		ip := net.ParseIP(ip6)
		return ip != nil && strings.Contains(ip6, ":")
	}
	return true
}
