// Package mac validates hardware addresses supplied by API callers.
package mac

import (
	"regexp"
	"strings"
)

// addressPattern matches six two-digit hex groups joined by a single,
// consistent separator. The backreference-free form is spelled out twice
// because RE2 has no backreferences.
var addressPattern = regexp.MustCompile(
	`^(?:[0-9A-Fa-f]{2}(?::[0-9A-Fa-f]{2}){5}|[0-9A-Fa-f]{2}(?:-[0-9A-Fa-f]{2}){5})$`,
)

// Valid reports whether s is a hardware address of the form
// "00:11:22:33:44:55" or "00-11-22-33-44-55" (hex digits in either case).
func Valid(s string) bool {
	return addressPattern.MatchString(s)
}

// Canonical returns the upper-case, colon-separated form of a valid address.
// It is used to match addresses in iptables listings, which print MACs that
// way. Invalid input is returned unchanged.
func Canonical(s string) string {
	if !Valid(s) {
		return s
	}
	return strings.ToUpper(strings.ReplaceAll(s, "-", ":"))
}
