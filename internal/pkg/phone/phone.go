// Package phone canonicalizes phone numbers into the digits-only keys used to
// match a lead across the document store, the sheet, and the lock namespace.
package phone

import "strings"

// TailDigits is the national number length of the target market. Two numbers
// are the same lead when their last TailDigits digits agree.
const TailDigits = 10

// Normalize strips everything except ASCII digits. Empty input yields "".
func Normalize(raw string) string {
	if raw == "" {
		return ""
	}
	var b strings.Builder
	b.Grow(len(raw))
	for i := 0; i < len(raw); i++ {
		c := raw[i]
		if c >= '0' && c <= '9' {
			b.WriteByte(c)
		}
	}
	return b.String()
}

// Tail returns the last n digits of the normalized form of raw, or all of
// them when there are fewer than n.
func Tail(raw string, n int) string {
	d := Normalize(raw)
	if n <= 0 || len(d) <= n {
		return d
	}
	return d[len(d)-n:]
}

// Key is the canonical identity key: the last TailDigits digits. Country code
// presence varies by channel, so the key deliberately ignores it.
func Key(raw string) string {
	return Tail(raw, TailDigits)
}

// Valid reports whether raw carries at least TailDigits digits.
func Valid(raw string) bool {
	return len(Normalize(raw)) >= TailDigits
}

// SameIdentity compares two numbers by their tail digits. Numbers too short
// to be valid never match anything, including each other.
func SameIdentity(a, b string) bool {
	if !Valid(a) || !Valid(b) {
		return false
	}
	return Key(a) == Key(b)
}
