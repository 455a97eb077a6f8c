package sqlstore

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/gzip"
	"github.com/pkg/errors"
	"go.gazette.dev/txnengine/store"
)

// Codec compresses the framed fragments of a record. Each encoding is
// prefixed with its Codec, so that a store may hold a mix of them.
type Codec byte

const (
	CodecNone Codec = iota
	CodecSnappy
	CodecGzip
)

// ParseCodec returns the Codec of name |s|.
func ParseCodec(s string) (Codec, error) {
	switch s {
	case "", "snappy":
		return CodecSnappy, nil
	case "none":
		return CodecNone, nil
	case "gzip":
		return CodecGzip, nil
	}
	return 0, fmt.Errorf("unsupported codec %q", s)
}

func (c Codec) String() string {
	switch c {
	case CodecNone:
		return "none"
	case CodecSnappy:
		return "snappy"
	case CodecGzip:
		return "gzip"
	}
	return fmt.Sprintf("Codec(%d)", byte(c))
}

// encodeFrags frames record fragments as a uvarint count, and then a uvarint
// length and the content of each fragment. The framing is compressed with
// |codec|.
func encodeFrags(frags [][]byte, codec Codec) ([]byte, error) {
	var n = binary.MaxVarintLen64
	for _, f := range frags {
		n += binary.MaxVarintLen64 + len(f)
	}
	var b = make([]byte, 0, n)
	b = binary.AppendUvarint(b, uint64(len(frags)))

	for _, f := range frags {
		b = binary.AppendUvarint(b, uint64(len(f)))
		b = append(b, f...)
	}

	switch codec {
	case CodecNone:
		return append([]byte{byte(codec)}, b...), nil
	case CodecSnappy:
		return append([]byte{byte(codec)}, snappy.Encode(nil, b)...), nil
	case CodecGzip:
		var buf = bytes.NewBuffer([]byte{byte(codec)})
		var w = gzip.NewWriter(buf)

		if _, err := w.Write(b); err != nil {
			return nil, err
		} else if err = w.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	}
	return nil, fmt.Errorf("unsupported codec %s", codec)
}

func decodeFrags(enc []byte) ([][]byte, error) {
	if len(enc) == 0 {
		return nil, nil
	}
	var b []byte
	var err error

	switch codec := Codec(enc[0]); codec {
	case CodecNone:
		b = enc[1:]
	case CodecSnappy:
		b, err = snappy.Decode(nil, enc[1:])
	case CodecGzip:
		var r *gzip.Reader
		if r, err = gzip.NewReader(bytes.NewReader(enc[1:])); err == nil {
			b, err = io.ReadAll(r)
		}
	default:
		err = fmt.Errorf("unsupported codec %s", codec)
	}
	if err != nil {
		return nil, errors.WithMessage(store.ErrBufferTooSmall, err.Error())
	}

	count, n := binary.Uvarint(b)
	if n <= 0 || count > uint64(len(b)) {
		return nil, errors.WithMessage(store.ErrBufferTooSmall, "reading fragment count")
	}
	b = b[n:]

	var out = make([][]byte, 0, count)
	for i := uint64(0); i != count; i++ {
		var l, n = binary.Uvarint(b)
		if n <= 0 || uint64(len(b)-n) < l {
			return nil, errors.WithMessagef(store.ErrBufferTooSmall, "reading fragment %d of %d", i, count)
		}
		out = append(out, b[n:n+int(l)])
		b = b[n+int(l):]
	}
	return out, nil
}
