package report

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/vmihailenco/msgpack/v5"
)

// Format selects the record stream encoding.
type Format string

const (
	FormatJSON    Format = "json"
	FormatMsgpack Format = "msgpack"
)

// ParseFormat accepts "json", "jsonl" and "msgpack".
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(s) {
	case "", "json", "jsonl":
		return FormatJSON, nil
	case "msgpack", "mp":
		return FormatMsgpack, nil
	}
	return "", fmt.Errorf("report: unknown format %q", s)
}

// NewEncoder returns a record encoder writing to w.
func NewEncoder(w io.Writer, f Format) (Encoder, error) {
	switch f {
	case FormatJSON:
		return jsonEncoder{json.NewEncoder(w)}, nil
	case FormatMsgpack:
		return msgpackEncoder{msgpack.NewEncoder(w)}, nil
	}
	return nil, fmt.Errorf("report: unknown format %q", f)
}

type jsonEncoder struct{ enc *json.Encoder }

func (e jsonEncoder) Encode(r *Record) error { return e.enc.Encode(r) }

type msgpackEncoder struct{ enc *msgpack.Encoder }

func (e msgpackEncoder) Encode(r *Record) error { return e.enc.Encode(r) }

// ReadAll decodes a record stream written by NewEncoder.
func ReadAll(r io.Reader, f Format) ([]Record, error) {
	var next func(*Record) error
	switch f {
	case FormatJSON:
		dec := json.NewDecoder(r)
		next = func(rec *Record) error { return dec.Decode(rec) }
	case FormatMsgpack:
		dec := msgpack.NewDecoder(r)
		next = func(rec *Record) error { return dec.Decode(rec) }
	default:
		return nil, fmt.Errorf("report: unknown format %q", f)
	}

	var out []Record
	for {
		var rec Record
		err := next(&rec)
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return out, fmt.Errorf("report: record %d: %w", len(out), err)
		}
		out = append(out, rec)
	}
}
