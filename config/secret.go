// Package config holds shared configuration primitives for the upload
// engines.
package config

const secret = "*****"

// Secret is a string holding sensitive data. Regular printing shows a
// redacted value so tokens never end up in logs.
type Secret string

// String implements fmt.Stringer.
func (s Secret) String() string {
	return secret
}
