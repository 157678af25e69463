package imagemeta

import (
	"bytes"
	"encoding/binary"
	"strings"
	"unicode/utf8"
)

// exifTags maps IFD0 ASCII tags (ImageDescription, Software, DateTime, Artist,
// Copyright) to the property names PNG writers use.
var exifTags = map[uint16]string{
	0x010E: "Description",
	0x0131: "Software",
	0x0132: "Creation Time",
	0x013B: "Author",
	0x8298: "Copyright",
}

const (
	exifASCII      = 2
	exifDateLayout = "2006:01:02 15:04:05"
)

// readJPEGText scans segments up to start-of-scan for EXIF and comments.
func readJPEGText(data []byte, props map[string]string) error {
	off := 2 // SOI
	for off+4 <= len(data) {
		if data[off] != 0xFF {
			return ErrTruncated
		}
		marker := data[off+1]
		if marker == 0xD8 || marker == 0x01 || (marker >= 0xD0 && marker <= 0xD7) || marker == 0xFF {
			off++
			if marker != 0xFF {
				off++
			}
			continue
		}
		if marker == 0xD9 || marker == 0xDA {
			return nil
		}

		length := int(binary.BigEndian.Uint16(data[off+2 : off+4]))
		if length < 2 || off+2+length > len(data) {
			return ErrTruncated
		}
		seg := data[off+4 : off+2+length]
		off += 2 + length

		switch marker {
		case 0xE1:
			if tiff, ok := bytes.CutPrefix(seg, []byte("Exif\x00\x00")); ok {
				readEXIF(tiff, props)
			}
		case 0xFE:
			if utf8.Valid(seg) {
				props["Comment"] = strings.TrimRight(string(seg), "\x00")
			}
		}
	}
	return nil
}

// readEXIF reads ASCII tags from IFD0 of a TIFF block. Malformed entries are
// skipped rather than reported.
func readEXIF(tiff []byte, props map[string]string) {
	if len(tiff) < 8 {
		return
	}
	var order binary.ByteOrder
	switch string(tiff[:2]) {
	case "II":
		order = binary.LittleEndian
	case "MM":
		order = binary.BigEndian
	default:
		return
	}

	ifd := int(order.Uint32(tiff[4:8]))
	if ifd < 8 || ifd+2 > len(tiff) {
		return
	}
	n := int(order.Uint16(tiff[ifd : ifd+2]))
	for i := 0; i < n; i++ {
		entry := ifd + 2 + i*12
		if entry+12 > len(tiff) {
			return
		}
		tag := order.Uint16(tiff[entry : entry+2])
		name, ok := exifTags[tag]
		if !ok || order.Uint16(tiff[entry+2:entry+4]) != exifASCII {
			continue
		}

		count := int(order.Uint32(tiff[entry+4 : entry+8]))
		var raw []byte
		if count <= 4 {
			raw = tiff[entry+8 : entry+8+count]
		} else {
			at := int(order.Uint32(tiff[entry+8 : entry+12]))
			if at < 0 || at+count > len(tiff) {
				continue
			}
			raw = tiff[at : at+count]
		}

		value := strings.TrimRight(string(raw), "\x00")
		if !utf8.ValidString(value) {
			continue
		}
		if tag == 0x0132 {
			value = exifDate(value)
		}
		props[name] = value
	}
}

// exifDate rewrites "2006:01:02 15:04:05" into the PNG Creation Time layout.
func exifDate(v string) string {
	if len(v) != len(exifDateLayout) || v[4] != ':' || v[7] != ':' {
		return v
	}
	return v[:4] + "-" + v[5:7] + "-" + v[8:]
}
