package output

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"

	"github.com/golang/snappy"
)

// Compressor encodes the NDJSON batch the S3 sink uploads after each pass.
// Objects are written whole, so a codec only needs to round-trip a buffer.
type Compressor interface {
	Compress(data []byte) ([]byte, error)
	Decompress(data []byte) ([]byte, error)
	// Extension is appended to the .ndjson object key
	Extension() string
	// ContentEncoding is sent as the object's Content-Encoding, empty for
	// codecs HTTP clients cannot decode transparently
	ContentEncoding() string
}

// objectCodec wraps a streaming compression format
type objectCodec struct {
	name      CompressionType
	ext       string
	encoding  string
	newWriter func(w io.Writer) io.WriteCloser
	newReader func(r io.Reader) (io.Reader, error)
}

var objectCodecs = map[CompressionType]*objectCodec{
	CompressionNone: {name: CompressionNone},
	CompressionGzip: {
		name:     CompressionGzip,
		ext:      ".gz",
		encoding: "gzip",
		newWriter: func(w io.Writer) io.WriteCloser {
			return gzip.NewWriter(w)
		},
		newReader: func(r io.Reader) (io.Reader, error) {
			return gzip.NewReader(r)
		},
	},
	// Framed snappy, readable by any snappy stream tool once downloaded
	CompressionSnappy: {
		name: CompressionSnappy,
		ext:  ".sz",
		newWriter: func(w io.Writer) io.WriteCloser {
			return snappy.NewBufferedWriter(w)
		},
		newReader: func(r io.Reader) (io.Reader, error) {
			return snappy.NewReader(r), nil
		},
	},
}

// GetCompressor returns the codec for an S3 object compression setting. An
// empty setting uploads plain NDJSON.
func GetCompressor(compressionType CompressionType) (Compressor, error) {
	if compressionType == "" {
		compressionType = CompressionNone
	}
	codec, ok := objectCodecs[compressionType]
	if !ok {
		return nil, fmt.Errorf("unsupported compression type: %s", compressionType)
	}
	return codec, nil
}

func (c *objectCodec) Compress(data []byte) ([]byte, error) {
	if c.newWriter == nil {
		return data, nil
	}

	var buf bytes.Buffer
	w := c.newWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, fmt.Errorf("%s encode failed: %w", c.name, err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("%s encode failed: %w", c.name, err)
	}
	return buf.Bytes(), nil
}

func (c *objectCodec) Decompress(data []byte) ([]byte, error) {
	if c.newReader == nil {
		return data, nil
	}

	r, err := c.newReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%s decode failed: %w", c.name, err)
	}
	decoded, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("%s decode failed: %w", c.name, err)
	}
	return decoded, nil
}

func (c *objectCodec) Extension() string { return c.ext }

func (c *objectCodec) ContentEncoding() string { return c.encoding }
