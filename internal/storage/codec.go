// Handles payload serialization and compression.

package storage

import (
	"bytes"
	"fmt"
	"io"

	"github.com/andybalholm/brotli"
	"github.com/goccy/go-json"
	"github.com/golang/snappy"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Payload is the decoded content of a table file.
type Payload struct {
	// Fingerprint identifies the schema the records were written with.
	Fingerprint string
	// Records in table order. Values are as decoded: numbers are float64 and
	// lists are []any.
	Records []map[string]any
}

// Encode renders h and p as a complete table file.
func Encode(h Header, p Payload) ([]byte, error) {
	h.Version = currentVersion
	if err := h.Validate(); err != nil {
		return nil, fmt.Errorf("invalid header: %w", err)
	}
	line, err := json.Marshal(h)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal header: %w", err)
	}
	raw, err := serialize(h.Serializer, p)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize payload: %w", err)
	}
	body, err := compress(h.Compression, raw)
	if err != nil {
		return nil, fmt.Errorf("failed to compress payload: %w", err)
	}
	out := make([]byte, 0, len(line)+1+len(body))
	out = append(out, line...)
	out = append(out, '\n')
	return append(out, body...), nil
}

// Decode parses a complete table file.
func Decode(data []byte) (Header, Payload, error) {
	h, body, err := splitHeader(data)
	if err != nil {
		return Header{}, Payload{}, err
	}
	raw, err := decompress(h.Compression, body)
	if err != nil {
		return Header{}, Payload{}, fmt.Errorf("failed to decompress payload: %w", err)
	}
	p, err := deserialize(h.Serializer, raw)
	if err != nil {
		return Header{}, Payload{}, fmt.Errorf("failed to deserialize payload: %w", err)
	}
	return h, p, nil
}

// bsonPayload is the BSON document form of a payload. BSON requires a
// document at the top level, so the pair is keyed rather than positional.
type bsonPayload struct {
	Fingerprint string           `bson:"fingerprint"`
	Records     []map[string]any `bson:"records"`
}

func serialize(s Serializer, p Payload) ([]byte, error) {
	records := p.Records
	if records == nil {
		records = []map[string]any{}
	}
	switch s {
	case JSON:
		return json.Marshal([]any{p.Fingerprint, records})
	case BSON:
		return bson.Marshal(bsonPayload{Fingerprint: p.Fingerprint, Records: records})
	}
	return nil, fmt.Errorf("unsupported serializer %q", s)
}

func deserialize(s Serializer, raw []byte) (Payload, error) {
	switch s {
	case JSON:
		var pair []json.RawMessage
		if err := json.Unmarshal(raw, &pair); err != nil {
			return Payload{}, err
		}
		if len(pair) != 2 {
			return Payload{}, fmt.Errorf("expected [fingerprint, records], got %d elements", len(pair))
		}
		var p Payload
		if err := json.Unmarshal(pair[0], &p.Fingerprint); err != nil {
			return Payload{}, fmt.Errorf("fingerprint: %w", err)
		}
		if err := json.Unmarshal(pair[1], &p.Records); err != nil {
			return Payload{}, fmt.Errorf("records: %w", err)
		}
		return p, nil
	case BSON:
		var doc bsonPayload
		if err := bson.Unmarshal(raw, &doc); err != nil {
			return Payload{}, err
		}
		for _, r := range doc.Records {
			for k, v := range r {
				r[k] = fromBSON(v)
			}
		}
		return Payload{Fingerprint: doc.Fingerprint, Records: doc.Records}, nil
	}
	return Payload{}, fmt.Errorf("unsupported serializer %q", s)
}

// fromBSON converts BSON container types to the plain types JSON decoding
// produces.
func fromBSON(v any) any {
	switch t := v.(type) {
	case primitive.A:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = fromBSON(e)
		}
		return out
	case primitive.D:
		out := make(map[string]any, len(t))
		for _, e := range t {
			out[e.Key] = fromBSON(e.Value)
		}
		return out
	case int32:
		return float64(t)
	case int64:
		return float64(t)
	}
	return v
}

func compress(c Compression, raw []byte) ([]byte, error) {
	switch c {
	case None:
		return raw, nil
	case Gzip:
		var buf bytes.Buffer
		w := gzip.NewWriter(&buf)
		if _, err := w.Write(raw); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	case Brotli:
		var buf bytes.Buffer
		w := brotli.NewWriter(&buf)
		if _, err := w.Write(raw); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	case Zstd:
		enc, err := zstd.NewWriter(nil)
		if err != nil {
			return nil, err
		}
		defer func() {
			_ = enc.Close()
		}()
		return enc.EncodeAll(raw, nil), nil
	case Snappy:
		return snappy.Encode(nil, raw), nil
	}
	return nil, fmt.Errorf("unsupported compression %q", c)
}

func decompress(c Compression, body []byte) ([]byte, error) {
	switch c {
	case None:
		return body, nil
	case Gzip:
		r, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		defer func() {
			_ = r.Close()
		}()
		return io.ReadAll(r)
	case Brotli:
		return io.ReadAll(brotli.NewReader(bytes.NewReader(body)))
	case Zstd:
		dec, err := zstd.NewReader(nil)
		if err != nil {
			return nil, err
		}
		defer dec.Close()
		return dec.DecodeAll(body, nil)
	case Snappy:
		return snappy.Decode(nil, body)
	}
	return nil, fmt.Errorf("unsupported compression %q", c)
}
