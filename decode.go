package pending

import (
	"unicode/utf8"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
)

// replaceIllFormed substitutes U+FFFD for malformed UTF-8 byte sequences in
// body so a sloppy upstream encoder cannot abort envelope decoding. Valid
// bodies are returned as-is without copying.
func replaceIllFormed(body []byte) []byte {
	if utf8.Valid(body) {
		return body
	}
	sanitized, _, err := transform.Bytes(runes.ReplaceIllFormed(), body)
	if err != nil {
		return body
	}
	return sanitized
}

// newDecoder builds the typed decode pass for an envelope shape. The
// returned function produces either the embedded result, the embedded
// API-defined error, or a DecodeError when the body does not match the
// envelope at all.
func newDecoder[T, E any, PE EnvelopePointer[T, E]](unmarshal UnmarshalFunc) func([]byte) (T, error) {
	return func(body []byte) (T, error) {
		var zero T

		env := PE(new(E))
		if err := unmarshal(replaceIllFormed(body), env); err != nil {
			return zero, &DecodeError{Err: err}
		}

		if !env.Successful() {
			return zero, env.Err()
		}
		return env.Result(), nil
	}
}
