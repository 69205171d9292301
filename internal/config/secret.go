package config

import "log/slog"

// Secret holds credential material. It never renders its value through fmt
// or slog.
type Secret string

const redacted = "[redacted]"

// Reveal returns the underlying value. Only the collector invocation should
// call it.
func (s Secret) Reveal() string { return string(s) }

// Empty reports whether no value was supplied.
func (s Secret) Empty() bool { return s == "" }

func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return redacted
}

// GoString keeps %#v from leaking the value.
func (s Secret) GoString() string { return s.String() }

// LogValue implements slog.LogValuer.
func (s Secret) LogValue() slog.Value { return slog.StringValue(s.String()) }
