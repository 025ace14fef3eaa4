package filestore

import (
	"unicode/utf8"
)

// streaming UTF-8 validity check. a multi-byte rune can straddle a chunk boundary, so
// up to utf8.UTFMax-1 undecidable trailing bytes are carried over to the next chunk.
type utf8Validator struct {
	stillValid bool
	carry      []byte
}

func newUtf8Validator() *utf8Validator {
	return &utf8Validator{stillValid: true}
}

func (v *utf8Validator) consume(chunk []byte) {
	if !v.stillValid {
		return
	}

	data := chunk
	if len(v.carry) > 0 {
		data = append(v.carry, chunk...)
		v.carry = nil
	}

	for len(data) > 0 {
		r, size := utf8.DecodeRune(data)
		if r == utf8.RuneError && size == 1 {
			if len(data) < utf8.UTFMax {
				// can't tell an invalid byte from a rune cut short by the chunk
				// boundary yet. carry the tail and decide with more bytes (or at
				// end-of-file, where an unfinished rune means invalid anyway)
				v.carry = append([]byte{}, data...)
				return
			}

			v.stillValid = false
			return
		}

		data = data[size:]
	}
}

// call after the last chunk. leftover carry is an unterminated rune, i.e. invalid.
func (v *utf8Validator) valid() bool {
	return v.stillValid && len(v.carry) == 0
}
