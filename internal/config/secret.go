package config

// redacted replaces any non-empty secret in printed output
const redacted = "[REDACTED]"

// Secret holds a credential that must never reach logs or dumps. Every
// formatting path fmt and the YAML/JSON encoders take goes through one of
// the methods below; read the real value with string(s).
type Secret string

func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return redacted
}

// MarshalYAML keeps secrets out of marshaled config dumps
func (s Secret) MarshalYAML() (interface{}, error) {
	if s == "" {
		return "", nil
	}
	return redacted, nil
}

// MarshalJSON keeps secrets out of JSON output
func (s Secret) MarshalJSON() ([]byte, error) {
	return []byte(`"` + redacted + `"`), nil
}

// GoString covers the %#v verb, which bypasses String
func (s Secret) GoString() string {
	if s == "" {
		return `""`
	}
	return `"` + redacted + `"`
}
