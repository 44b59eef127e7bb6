package core

import (
	"net"
	"regexp"
	"strings"
)

// IOCType represents the type of an indicator of compromise.
type IOCType string

const (
	IOCTypeHash IOCType = "hash" // MD5, SHA1, SHA256
	IOCTypeIP   IOCType = "ip"
	IOCTypeURL  IOCType = "url"
	IOCTypeCVE  IOCType = "cve"
)

var (
	hashPattern = regexp.MustCompile(`^(?:[a-fA-F0-9]{32}|[a-fA-F0-9]{40}|[a-fA-F0-9]{64})$`)
	cvePattern  = regexp.MustCompile(`^CVE-\d{4}-\d{4,}$`)
)

// ClassifyIOC classifies a lookup value into exactly one IOC type by testing
// format rules in a fixed priority order: hash, ip, url, cve. The first match
// wins. A value matching none returns ErrUnknownIOCType.
func ClassifyIOC(value string) (IOCType, error) {
	v := strings.TrimSpace(value)
	if v == "" {
		return "", ErrUnknownIOCType
	}
	if hashPattern.MatchString(v) {
		return IOCTypeHash, nil
	}
	if net.ParseIP(v) != nil {
		return IOCTypeIP, nil
	}
	if strings.HasPrefix(v, "http://") || strings.HasPrefix(v, "https://") {
		return IOCTypeURL, nil
	}
	if cvePattern.MatchString(strings.ToUpper(v)) {
		return IOCTypeCVE, nil
	}
	return "", ErrUnknownIOCType
}
