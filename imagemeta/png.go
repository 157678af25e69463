package imagemeta

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"fmt"
	"io"
	"unicode/utf8"
)

// maxTextChunk caps the inflated size of a compressed text chunk.
const maxTextChunk = 8 << 20

// readPNGText walks the chunk list and collects tEXt, zTXt and iTXt entries.
// Later chunks with the same keyword overwrite earlier ones.
func readPNGText(data []byte, props map[string]string) error {
	off := len(pngSignature)
	for off < len(data) {
		if off+8 > len(data) {
			return ErrTruncated
		}
		length := int(binary.BigEndian.Uint32(data[off : off+4]))
		typ := string(data[off+4 : off+8])
		start := off + 8
		end := start + length
		if length < 0 || end+4 > len(data) {
			return ErrTruncated
		}
		body := data[start:end]
		off = end + 4 // skip CRC

		var key, value string
		var ok bool
		switch typ {
		case "tEXt":
			key, value, ok = parseTEXt(body)
		case "zTXt":
			key, value, ok = parseZTXt(body)
		case "iTXt":
			key, value, ok = parseITXt(body)
		case "IEND":
			return nil
		default:
			continue
		}
		if ok && utf8.ValidString(value) {
			props[key] = value
		}
	}
	return nil
}

func parseTEXt(body []byte) (string, string, bool) {
	key, rest, ok := bytes.Cut(body, []byte{0})
	if !ok || len(key) == 0 {
		return "", "", false
	}
	return string(key), string(rest), true
}

func parseZTXt(body []byte) (string, string, bool) {
	key, rest, ok := bytes.Cut(body, []byte{0})
	if !ok || len(key) == 0 || len(rest) < 1 || rest[0] != 0 {
		return "", "", false
	}
	text, err := inflate(rest[1:])
	if err != nil {
		return "", "", false
	}
	return string(key), string(text), true
}

// parseITXt handles keyword\0 flag method lang\0 translated\0 text.
func parseITXt(body []byte) (string, string, bool) {
	key, rest, ok := bytes.Cut(body, []byte{0})
	if !ok || len(key) == 0 || len(rest) < 2 {
		return "", "", false
	}
	compressed, method := rest[0] == 1, rest[1]
	rest = rest[2:]
	if _, rest, ok = bytes.Cut(rest, []byte{0}); !ok {
		return "", "", false
	}
	if _, rest, ok = bytes.Cut(rest, []byte{0}); !ok {
		return "", "", false
	}
	if !compressed {
		return string(key), string(rest), true
	}
	if method != 0 {
		return "", "", false
	}
	text, err := inflate(rest)
	if err != nil {
		return "", "", false
	}
	return string(key), string(text), true
}

func inflate(b []byte) ([]byte, error) {
	zr, err := zlib.NewReader(bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	out, err := io.ReadAll(io.LimitReader(zr, maxTextChunk+1))
	if err != nil {
		return nil, err
	}
	if len(out) > maxTextChunk {
		return nil, fmt.Errorf("text chunk exceeds %d bytes", maxTextChunk)
	}
	return out, nil
}
