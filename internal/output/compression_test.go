package output

import (
	"bytes"
	"strings"
	"testing"
)

func TestCompressorRoundTrip(t *testing.T) {
	data := []byte(strings.Repeat(`{"run_id":"r1","kind":"scalar","name":"train/Cost","value":7.95}`+"\n", 20))

	tests := []struct {
		name            string
		compressionType CompressionType
		extension       string
		encoding        string
	}{
		{"default", "", "", ""},
		{"none", CompressionNone, "", ""},
		{"gzip", CompressionGzip, ".gz", "gzip"},
		{"snappy", CompressionSnappy, ".sz", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			compressor, err := GetCompressor(tt.compressionType)
			if err != nil {
				t.Fatalf("failed to get compressor: %v", err)
			}

			if compressor.Extension() != tt.extension {
				t.Errorf("expected extension %q, got %q", tt.extension, compressor.Extension())
			}
			if compressor.ContentEncoding() != tt.encoding {
				t.Errorf("expected content encoding %q, got %q", tt.encoding, compressor.ContentEncoding())
			}

			compressed, err := compressor.Compress(data)
			if err != nil {
				t.Fatalf("compression failed: %v", err)
			}

			if tt.extension != "" && len(compressed) >= len(data) {
				t.Errorf("expected repetitive data to shrink, %d >= %d", len(compressed), len(data))
			}

			decompressed, err := compressor.Decompress(compressed)
			if err != nil {
				t.Fatalf("decompression failed: %v", err)
			}

			if !bytes.Equal(decompressed, data) {
				t.Errorf("round trip failed: data mismatch")
			}
		})
	}
}

func TestSnappyCompressor_WritesFramedStream(t *testing.T) {
	compressor, err := GetCompressor(CompressionSnappy)
	if err != nil {
		t.Fatal(err)
	}

	compressed, err := compressor.Compress([]byte("{}\n"))
	if err != nil {
		t.Fatalf("compression failed: %v", err)
	}

	// Stream identifier chunk of the snappy framing format
	magic := []byte("\xff\x06\x00\x00sNaPpY")
	if !bytes.HasPrefix(compressed, magic) {
		t.Errorf("expected framed snappy output, got %q", compressed)
	}
}

func TestGetCompressor_Unsupported(t *testing.T) {
	for _, ct := range []CompressionType{"lz4", "zstd", "invalid"} {
		if _, err := GetCompressor(ct); err == nil {
			t.Errorf("expected error for compression type %s", ct)
		}
	}
}

func TestCompressor_CorruptInput(t *testing.T) {
	for _, ct := range []CompressionType{CompressionGzip, CompressionSnappy} {
		compressor, err := GetCompressor(ct)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := compressor.Decompress([]byte("not compressed")); err == nil {
			t.Errorf("%s: expected error decompressing garbage", ct)
		}
	}
}
