package distributed

import (
	"bufio"
	"encoding/binary"
	"io"
	"math"

	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"
)

// Collective frames are protobuf messages
//
//	message Frame {
//	  repeated double values = 1 [packed = true];
//	  int64 rank = 2;
//	}
//
// each preceded by its varint-encoded length.
const (
	fieldValues protowire.Number = 1
	fieldRank   protowire.Number = 2

	maxFrameSize = 1 << 30
)

type frame struct {
	rank   int
	values []float64
}

func encodeFrame(f frame) []byte {
	var msg []byte
	if len(f.values) > 0 {
		packed := make([]byte, 0, 8*len(f.values))
		for _, v := range f.values {
			packed = protowire.AppendFixed64(packed, math.Float64bits(v))
		}
		msg = protowire.AppendTag(msg, fieldValues, protowire.BytesType)
		msg = protowire.AppendBytes(msg, packed)
	}
	msg = protowire.AppendTag(msg, fieldRank, protowire.VarintType)
	msg = protowire.AppendVarint(msg, uint64(f.rank))

	out := protowire.AppendVarint(nil, uint64(len(msg)))
	return append(out, msg...)
}

func decodeFrame(msg []byte) (frame, error) {
	var f frame
	for len(msg) > 0 {
		num, typ, n := protowire.ConsumeTag(msg)
		if n < 0 {
			return f, errors.Wrap(protowire.ParseError(n), "frame tag")
		}
		msg = msg[n:]

		switch {
		case num == fieldValues && typ == protowire.BytesType:
			packed, n := protowire.ConsumeBytes(msg)
			if n < 0 {
				return f, errors.Wrap(protowire.ParseError(n), "frame values")
			}
			msg = msg[n:]
			for len(packed) > 0 {
				bits, m := protowire.ConsumeFixed64(packed)
				if m < 0 {
					return f, errors.Wrap(protowire.ParseError(m), "frame value")
				}
				f.values = append(f.values, math.Float64frombits(bits))
				packed = packed[m:]
			}
		case num == fieldRank && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(msg)
			if n < 0 {
				return f, errors.Wrap(protowire.ParseError(n), "frame rank")
			}
			f.rank = int(v)
			msg = msg[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, msg)
			if n < 0 {
				return f, errors.Wrap(protowire.ParseError(n), "frame field")
			}
			msg = msg[n:]
		}
	}
	return f, nil
}

func writeFrame(w io.Writer, f frame) error {
	_, err := w.Write(encodeFrame(f))
	return errors.Wrap(err, "write frame")
}

func readFrame(r *bufio.Reader) (frame, error) {
	size, err := binary.ReadUvarint(r)
	if err != nil {
		return frame{}, errors.Wrap(err, "read frame length")
	}
	if size > maxFrameSize {
		return frame{}, errors.Errorf("frame of %d bytes exceeds limit", size)
	}
	msg := make([]byte, size)
	if _, err := io.ReadFull(r, msg); err != nil {
		return frame{}, errors.Wrap(err, "read frame")
	}
	return decodeFrame(msg)
}
