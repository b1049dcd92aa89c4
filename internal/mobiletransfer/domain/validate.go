package domain

import (
	"regexp"
	"strings"
	"unicode"
)

// Venezuelan cedula or RIF: V-12345678 or J-12345678-0.
var senderIDPattern = regexp.MustCompile(`^[VJPE]-\d{8}(-\d)?$`)

// NormalizeSenderID strips spaces and upper-cases the id before matching it.
func NormalizeSenderID(raw string) (string, error) {
	value := strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(raw), " ", ""))
	if !senderIDPattern.MatchString(value) {
		return "", ErrInvalidSenderID
	}
	return value, nil
}

// NormalizePhone keeps digits only; a valid number has 10 or 11 of them.
func NormalizePhone(raw string) (string, error) {
	var b strings.Builder
	for _, r := range raw {
		if unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	digits := b.String()
	if len(digits) < 10 || len(digits) > 11 {
		return "", ErrInvalidSenderPhone
	}
	return digits, nil
}

// NormalizeBankCode accepts a 4-digit clearing code present in banks.
func NormalizeBankCode(raw string, banks map[string]string) (string, error) {
	code := strings.TrimSpace(raw)
	if len(code) != 4 {
		return "", ErrUnknownBank
	}
	if _, ok := banks[code]; !ok {
		return "", ErrUnknownBank
	}
	return code, nil
}
