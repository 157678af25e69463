package promptmeta

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"testing"
	"time"
)

var fixedNow = time.Date(2025, 3, 14, 9, 26, 53, 0, time.UTC)

func fixedClock() time.Time { return fixedNow }

const midjourneyDescription = "red sky::2 blue sea::-1 green hills --ar 16:9 --v 6.1 --profile fast Job ID: 0a1b2c3d-4e5f"

const emPropsWorkflow = `{
	"3": {"class_type": "KSampler", "inputs": {"sampler_name": "dpmpp_2m", "steps": 30, "model": ["4", 0]}},
	"4": {"class_type": "CheckpointLoaderSimple", "inputs": {"ckpt_name": "juggernautXL_v9.safetensors"}},
	"6": {"class_type": "CLIPTextEncode", "_meta": {"title": "Positive (Prompt)"}, "inputs": {"text": "a lighthouse at dusk, stormy sea"}},
	"7": {"class_type": "CLIPTextEncode", "_meta": {"title": "Negative"}, "inputs": {"text": "blurry"}},
	"9": {"class_type": "EmProps_S3_Saver", "inputs": {"images": ["8", 0]}}
}`

// pngWithText encodes a w×h PNG carrying one tEXt chunk per key/value pair.
func pngWithText(t *testing.T, w, h int, kv ...string) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, image.NewGray(image.Rect(0, 0, w, h))); err != nil {
		t.Fatalf("encoding png: %v", err)
	}
	data := buf.Bytes()

	ihdrEnd := 8 + 8 + 13 + 4
	out := append([]byte{}, data[:ihdrEnd]...)
	for i := 0; i+1 < len(kv); i += 2 {
		body := []byte(kv[i] + "\x00" + kv[i+1])
		var c bytes.Buffer
		binary.Write(&c, binary.BigEndian, uint32(len(body)))
		c.WriteString("tEXt")
		c.Write(body)
		crc := crc32.NewIEEE()
		crc.Write([]byte("tEXt"))
		crc.Write(body)
		binary.Write(&c, binary.BigEndian, crc.Sum32())
		out = append(out, c.Bytes()...)
	}
	return append(out, data[ihdrEnd:]...)
}

func writeFile(t *testing.T, dir, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatal(err)
	}
	return path
}
