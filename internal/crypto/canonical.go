package crypto

import (
	"bytes"
	"encoding/json"
	"sort"
)

// Canonicalize produces the deterministic byte encoding that is signed and
// verified throughout the relay: keys sorted lexicographically, compact
// separators, ASCII-only (non-ASCII characters escaped), the "signature"
// key omitted entirely, and any key whose value is nil/absent omitted.
//
// fields must be a map of JSON-marshalable values, typically built from a
// struct's signable subset.
func Canonicalize(fields map[string]interface{}) ([]byte, error) {
	keys := make([]string, 0, len(fields))
	for k, v := range fields {
		if k == "signature" || v == nil {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		keyBytes, err := marshalNoHTMLEscape(k)
		if err != nil {
			return nil, err
		}
		buf.Write(escapeNonASCII(keyBytes))
		buf.WriteByte(':')
		valBytes, err := marshalNoHTMLEscape(fields[k])
		if err != nil {
			return nil, err
		}
		buf.Write(escapeNonASCII(valBytes))
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// marshalNoHTMLEscape is json.Marshal without HTML escaping: json.Marshal
// rewrites <, > and & as unicode escapes, which Python's json.dumps does not.
func marshalNoHTMLEscape(v interface{}) ([]byte, error) {
	var out bytes.Buffer
	enc := json.NewEncoder(&out)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(out.Bytes(), []byte("\n")), nil
}

// escapeNonASCII rewrites encoding/json output (which emits UTF-8 bytes
// verbatim) into the ensure_ascii=True form Python's json.dumps produces,
// so canonical bytes match byte-for-byte across implementations.
func escapeNonASCII(in []byte) []byte {
	var out bytes.Buffer
	runes := []rune(string(in))
	for _, r := range runes {
		if r < 0x80 {
			out.WriteRune(r)
			continue
		}
		if r > 0xFFFF {
			r1, r2 := utf16Surrogates(r)
			out.WriteString(unicodeEscape(r1))
			out.WriteString(unicodeEscape(r2))
			continue
		}
		out.WriteString(unicodeEscape(r))
	}
	return out.Bytes()
}

func utf16Surrogates(r rune) (rune, rune) {
	r -= 0x10000
	hi := 0xD800 + (r >> 10)
	lo := 0xDC00 + (r & 0x3FF)
	return hi, lo
}

func unicodeEscape(r rune) string {
	const hexdigits = "0123456789abcdef"
	b := [6]byte{'\\', 'u', 0, 0, 0, 0}
	b[2] = hexdigits[(r>>12)&0xF]
	b[3] = hexdigits[(r>>8)&0xF]
	b[4] = hexdigits[(r>>4)&0xF]
	b[5] = hexdigits[r&0xF]
	return string(b[:])
}
