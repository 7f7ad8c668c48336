package helpers

import (
	"fmt"
	"strings"
)

// SplitAddress splits an address into local part and domain. Angle brackets
// are stripped; the domain is lowercased, the local part is kept as given.
func SplitAddress(addr string) (string, string, error) {
	addr = StripBrackets(addr)
	at := strings.LastIndexByte(addr, '@')
	if at <= 0 || at == len(addr)-1 {
		return "", "", fmt.Errorf("invalid address %q", addr)
	}
	return addr[:at], strings.ToLower(addr[at+1:]), nil
}

// DomainOf returns the domain of addr, or "" when addr has none.
func DomainOf(addr string) string {
	_, domain, err := SplitAddress(addr)
	if err != nil {
		return ""
	}
	return domain
}

func StripBrackets(addr string) string {
	addr = strings.TrimSpace(addr)
	if strings.HasPrefix(addr, "<") && strings.HasSuffix(addr, ">") {
		return addr[1 : len(addr)-1]
	}
	return addr
}

// AngleAddr wraps addr in angle brackets unless it already contains one.
func AngleAddr(addr string) string {
	if strings.ContainsRune(addr, '<') {
		return addr
	}
	return "<" + addr + ">"
}
