package listener

import (
	"bytes"

	"golang.org/x/text/encoding/unicode"
)

// DecodeBody normalizes a raw message body to UTF-8. Upstream emitters
// write message bodies as UTF-16LE JSON documents; bodies relayed by
// other producers arrive as plain UTF-8. Detection is by byte-order
// mark or by the interleaved zero bytes UTF-16LE leaves in ASCII-range
// JSON.
func DecodeBody(body []byte) ([]byte, error) {
	if !isUTF16LE(body) {
		return body, nil
	}

	decoder := unicode.UTF16(unicode.LittleEndian, unicode.UseBOM).NewDecoder()

	decoded, err := decoder.Bytes(body)
	if err != nil {
		return nil, err
	}

	return decoded, nil
}

func isUTF16LE(body []byte) bool {
	if len(body) >= 2 && body[0] == 0xFF && body[1] == 0xFE {
		return true
	}

	// JSON opens with an ASCII character, so UTF-16LE puts a zero in
	// the second byte.
	if len(body) >= 2 && body[0] != 0x00 && body[1] == 0x00 {
		return true
	}

	return bytes.IndexByte(body, 0x00) >= 0
}
