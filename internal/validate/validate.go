// Package validate checks a parameter value against its enum and format
// constraints before a script's SDK call leaves the sandbox.
package validate

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"apiscript-runtime/internal/manifest"
)

// Param checks value against param's enum values (if any) and format (if
// any), in that order. An unrecognized format name passes any value
// silently, matching the open-ended OpenAPI format vocabulary.
func Param(funcName string, param manifest.ParamDef, value string) error {
	if len(param.EnumValues) > 0 {
		found := false
		for _, allowed := range param.EnumValues {
			if allowed == value {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("parameter '%s' for '%s': expected one of [%s], got '%s'",
				param.Name, funcName, strings.Join(param.EnumValues, ", "), value)
		}
	}

	if param.Format != "" {
		if !validFormat(param.Format, value) {
			return fmt.Errorf("parameter '%s' for '%s': expected %s format, got '%s'",
				param.Name, funcName, param.Format, value)
		}
	}

	return nil
}

func validFormat(format, value string) bool {
	switch format {
	case "uuid":
		return isValidUUID(value)
	case "date-time":
		return isValidDateTime(value)
	case "date":
		return isValidDate(value)
	case "email":
		return isValidEmail(value)
	case "uri", "url":
		return isValidURI(value)
	case "ipv4":
		return isValidIPv4(value)
	case "ipv6":
		return isValidIPv6(value)
	case "hostname":
		return isValidHostname(value)
	case "int32":
		return isValidInt32(value)
	case "int64":
		return isValidInt64(value)
	default:
		return true
	}
}

// isValidUUID checks the 8-4-4-4-12 hex digit pattern.
func isValidUUID(value string) bool {
	parts := strings.Split(value, "-")
	if len(parts) != 5 {
		return false
	}
	expectedLens := [5]int{8, 4, 4, 4, 12}
	for i, part := range parts {
		if len(part) != expectedLens[i] || !allHexDigits(part) {
			return false
		}
	}
	return true
}

func allHexDigits(s string) bool {
	for _, c := range s {
		isHex := (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')
		if !isHex {
			return false
		}
	}
	return true
}

// isValidDateTime checks the RFC 3339 shape:
// YYYY-MM-DDTHH:MM:SS[.frac](Z|+HH:MM|-HH:MM).
func isValidDateTime(value string) bool {
	if len(value) < 20 {
		return false
	}

	tPos := strings.IndexAny(value, "Tt")
	if tPos < 0 {
		return false
	}

	datePart := value[:tPos]
	timeAndOffset := value[tPos+1:]

	if !isValidDate(datePart) {
		return false
	}
	if len(timeAndOffset) < 9 {
		return false
	}

	var timePart, offsetPart string
	switch {
	case strings.LastIndexAny(timeAndOffset, "Zz") >= 0:
		zPos := strings.LastIndexAny(timeAndOffset, "Zz")
		if zPos < 8 {
			return false
		}
		timePart = timeAndOffset[:zPos]
		offsetPart = "Z"
	case strings.LastIndexByte(timeAndOffset, '+') >= 0:
		plusPos := strings.LastIndexByte(timeAndOffset, '+')
		if plusPos < 8 {
			return false
		}
		timePart = timeAndOffset[:plusPos]
		offsetPart = timeAndOffset[plusPos:]
	case strings.IndexByte(timeAndOffset[8:], '-') >= 0:
		minusPos := 8 + strings.LastIndexByte(timeAndOffset[8:], '-')
		timePart = timeAndOffset[:minusPos]
		offsetPart = timeAndOffset[minusPos:]
	default:
		return false
	}

	if len(timePart) < 8 {
		return false
	}
	hms := timePart[:8]
	if hms[2] != ':' || hms[5] != ':' ||
		!isDigit(hms[0]) || !isDigit(hms[1]) || !isDigit(hms[3]) || !isDigit(hms[4]) ||
		!isDigit(hms[6]) || !isDigit(hms[7]) {
		return false
	}

	if len(timePart) > 8 {
		frac := timePart[8:]
		if !strings.HasPrefix(frac, ".") || len(frac) < 2 || !allDigits(frac[1:]) {
			return false
		}
	}

	if offsetPart == "Z" {
		return true
	}

	if len(offsetPart) != 6 {
		return false
	}
	return (offsetPart[0] == '+' || offsetPart[0] == '-') &&
		isDigit(offsetPart[1]) && isDigit(offsetPart[2]) && offsetPart[3] == ':' &&
		isDigit(offsetPart[4]) && isDigit(offsetPart[5])
}

func isDigit(b byte) bool { return b >= '0' && b <= '9' }

func allDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if !isDigit(s[i]) {
			return false
		}
	}
	return true
}

// isValidDate checks the YYYY-MM-DD shape.
func isValidDate(value string) bool {
	if len(value) != 10 {
		return false
	}
	parts := strings.Split(value, "-")
	if len(parts) != 3 {
		return false
	}
	return len(parts[0]) == 4 && len(parts[1]) == 2 && len(parts[2]) == 2 &&
		allDigits(parts[0]) && allDigits(parts[1]) && allDigits(parts[2])
}

// isValidEmail requires exactly one '@', non-empty local and domain parts,
// and a domain containing a dot.
func isValidEmail(value string) bool {
	at := strings.IndexByte(value, '@')
	if at < 0 {
		return false
	}
	local, domain := value[:at], value[at+1:]
	return local != "" && domain != "" && strings.Contains(domain, ".") && !strings.Contains(domain, "@")
}

func isValidURI(value string) bool {
	u, err := url.Parse(value)
	if err != nil {
		return false
	}
	return u.Scheme != "" && u.Host != ""
}

func isValidIPv4(value string) bool {
	ip := net.ParseIP(value)
	return ip != nil && ip.To4() != nil && !strings.Contains(value, ":")
}

func isValidIPv6(value string) bool {
	ip := net.ParseIP(value)
	return ip != nil && strings.Contains(value, ":")
}

// isValidHostname requires dot-separated labels of 1-63 chars, alphanumeric
// plus hyphen, no leading/trailing hyphen, total length <= 253.
func isValidHostname(value string) bool {
	if value == "" || len(value) > 253 {
		return false
	}
	for _, label := range strings.Split(value, ".") {
		if label == "" || len(label) > 63 {
			return false
		}
		if strings.HasPrefix(label, "-") || strings.HasSuffix(label, "-") {
			return false
		}
		for _, c := range label {
			isAlnum := (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
			if !isAlnum && c != '-' {
				return false
			}
		}
	}
	return true
}

func isValidInt32(value string) bool {
	n, err := strconv.ParseInt(value, 10, 64)
	return err == nil && n >= -2147483648 && n <= 2147483647
}

func isValidInt64(value string) bool {
	_, err := strconv.ParseInt(value, 10, 64)
	return err == nil
}
