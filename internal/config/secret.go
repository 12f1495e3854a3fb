package config

// Secret wraps a credential so it cannot leak through formatting or
// serialization. The raw value is only reachable via Expose, which keeps
// every access grep-auditable.
type Secret struct {
	value []byte
}

// NewSecret wraps a raw credential value.
func NewSecret(v string) *Secret {
	return &Secret{value: []byte(v)}
}

// Expose returns the raw credential value.
func (s *Secret) Expose() string {
	if s == nil {
		return ""
	}
	return string(s.value)
}

// Zero overwrites the credential bytes. Call when the secret is no
// longer needed; Expose afterwards returns an empty string.
func (s *Secret) Zero() {
	if s == nil {
		return
	}
	for i := range s.value {
		s.value[i] = 0
	}
	s.value = s.value[:0]
}

// Masked returns the first four characters followed by "..." for
// display, or "[REDACTED]" when the value is too short to mask safely.
func (s *Secret) Masked() string {
	if s == nil || len(s.value) == 0 {
		return ""
	}
	if len(s.value) <= 8 {
		return "[REDACTED]"
	}
	return string(s.value[:4]) + "..."
}

func (s *Secret) String() string { return "[REDACTED]" }

// GoString keeps %#v from leaking the value.
func (s *Secret) GoString() string { return "config.Secret{[REDACTED]}" }

func (s *Secret) MarshalJSON() ([]byte, error) { return []byte(`"[REDACTED]"`), nil }

// UnmarshalText lets TOML decode an api_key field directly into a Secret.
func (s *Secret) UnmarshalText(text []byte) error {
	s.value = append([]byte(nil), text...)
	return nil
}
