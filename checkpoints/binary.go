package checkpoints

import (
	"math"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
	"google.golang.org/protobuf/encoding/protowire"
)

// The binary format is the protobuf wire encoding of the messages below,
// preceded by binaryMagic. Readers skip unknown fields, so fields can be
// added without breaking older checkpoints.
//
//	message Checkpoint {
//	  repeated WeightTensor g = 1;
//	  repeated WeightTensor d = 2;
//	  repeated WeightTensor g_ema = 3;
//	  OptimizerState g_optim = 4;
//	  OptimizerState d_optim = 5;
//	  bytes args = 6;                  // JSON
//	  double ada_aug_p = 7;
//	  TrainingState training_state = 8;
//	  Metadata metadata = 9;
//	}
//	message WeightTensor { string name = 1; repeated int64 shape = 2; repeated double data = 3; string layer = 4; string type = 5; }
//	message TrainingState { int64 iteration = 1; double mean_path_length = 2; double r_t_stat = 3; }
//	message OptimizerState { string type = 1; repeated Param parameters = 2; repeated OptimizerTensor state_data = 3; }
//	message Param { string key = 1; double value = 2; }
//	message OptimizerTensor { string name = 1; repeated int64 shape = 2; repeated double data = 3; string state_type = 4; }
//	message Metadata { string version = 1; string framework = 2; int64 created_at_unix_nano = 3; string description = 4; repeated string tags = 5; string run_id = 6; }
const binaryMagic = "SGCK\x01"

type encoder struct {
	b []byte
}

func (e *encoder) str(num protowire.Number, s string) {
	if s == "" {
		return
	}
	e.b = protowire.AppendTag(e.b, num, protowire.BytesType)
	e.b = protowire.AppendString(e.b, s)
}

// repeatedStr appends s even when empty, so repeated fields keep their length.
func (e *encoder) repeatedStr(num protowire.Number, s string) {
	e.b = protowire.AppendTag(e.b, num, protowire.BytesType)
	e.b = protowire.AppendString(e.b, s)
}

func (e *encoder) bytes(num protowire.Number, v []byte) {
	if len(v) == 0 {
		return
	}
	e.b = protowire.AppendTag(e.b, num, protowire.BytesType)
	e.b = protowire.AppendBytes(e.b, v)
}

func (e *encoder) varint(num protowire.Number, v int64) {
	if v == 0 {
		return
	}
	e.b = protowire.AppendTag(e.b, num, protowire.VarintType)
	e.b = protowire.AppendVarint(e.b, uint64(v))
}

func (e *encoder) double(num protowire.Number, v float64) {
	if v == 0 {
		return
	}
	e.b = protowire.AppendTag(e.b, num, protowire.Fixed64Type)
	e.b = protowire.AppendFixed64(e.b, math.Float64bits(v))
}

func (e *encoder) ints(num protowire.Number, v []int) {
	if len(v) == 0 {
		return
	}
	var packed []byte
	for _, x := range v {
		packed = protowire.AppendVarint(packed, uint64(x))
	}
	e.bytes(num, packed)
}

func (e *encoder) doubles(num protowire.Number, v []float64) {
	if len(v) == 0 {
		return
	}
	packed := make([]byte, 0, 8*len(v))
	for _, x := range v {
		packed = protowire.AppendFixed64(packed, math.Float64bits(x))
	}
	e.bytes(num, packed)
}

func (e *encoder) message(num protowire.Number, fn func(*encoder)) {
	var sub encoder
	fn(&sub)
	e.b = protowire.AppendTag(e.b, num, protowire.BytesType)
	e.b = protowire.AppendBytes(e.b, sub.b)
}

func marshalCheckpoint(c *Checkpoint) []byte {
	var e encoder
	for _, group := range []struct {
		num     protowire.Number
		weights []WeightTensor
	}{{1, c.Generator}, {2, c.Discriminator}, {3, c.GeneratorEMA}} {
		for _, w := range group.weights {
			w := w
			e.message(group.num, func(m *encoder) {
				m.str(1, w.Name)
				m.ints(2, w.Shape)
				m.doubles(3, w.Data)
				m.str(4, w.Layer)
				m.str(5, w.Type)
			})
		}
	}
	if c.GeneratorOptim != nil {
		e.message(4, func(m *encoder) { marshalOptimizer(m, c.GeneratorOptim) })
	}
	if c.DiscriminatorOptim != nil {
		e.message(5, func(m *encoder) { marshalOptimizer(m, c.DiscriminatorOptim) })
	}
	e.bytes(6, c.Args)
	e.double(7, c.AdaAugP)
	e.message(8, func(m *encoder) {
		m.varint(1, int64(c.TrainingState.Iteration))
		m.double(2, c.TrainingState.MeanPathLength)
		m.double(3, c.TrainingState.RtStat)
	})
	e.message(9, func(m *encoder) {
		md := c.Metadata
		m.str(1, md.Version)
		m.str(2, md.Framework)
		if !md.CreatedAt.IsZero() {
			m.varint(3, md.CreatedAt.UnixNano())
		}
		m.str(4, md.Description)
		for _, tag := range md.Tags {
			m.repeatedStr(5, tag)
		}
		m.str(6, md.RunID)
	})
	return e.b
}

func marshalOptimizer(m *encoder, s *OptimizerState) {
	m.str(1, s.Type)
	keys := maps.Keys(s.Parameters)
	slices.Sort(keys)
	for _, k := range keys {
		v := s.Parameters[k]
		m.message(2, func(p *encoder) {
			p.str(1, k)
			p.double(2, v)
		})
	}
	for _, t := range s.StateData {
		t := t
		m.message(3, func(o *encoder) {
			o.str(1, t.Name)
			o.ints(2, t.Shape)
			o.doubles(3, t.Data)
			o.str(4, t.StateType)
		})
	}
}

// field is one decoded wire field. Varint and fixed values are in num64,
// length-delimited payloads in bytes.
type field struct {
	num   protowire.Number
	typ   protowire.Type
	num64 uint64
	bytes []byte
}

func parseFields(b []byte) ([]field, error) {
	var fields []field
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]

		f := field{num: num, typ: typ}
		switch typ {
		case protowire.VarintType:
			f.num64, n = protowire.ConsumeVarint(b)
		case protowire.Fixed64Type:
			f.num64, n = protowire.ConsumeFixed64(b)
		case protowire.BytesType:
			f.bytes, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return nil, errors.Wrapf(protowire.ParseError(n), "field %d", num)
		}
		b = b[n:]
		fields = append(fields, f)
	}
	return fields, nil
}

func unpackInts(b []byte) ([]int, error) {
	var out []int
	for len(b) > 0 {
		v, n := protowire.ConsumeVarint(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		out = append(out, int(v))
		b = b[n:]
	}
	return out, nil
}

func unpackDoubles(b []byte) ([]float64, error) {
	out := make([]float64, 0, len(b)/8)
	for len(b) > 0 {
		v, n := protowire.ConsumeFixed64(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		out = append(out, math.Float64frombits(v))
		b = b[n:]
	}
	return out, nil
}

func unmarshalCheckpoint(b []byte) (*Checkpoint, error) {
	fields, err := parseFields(b)
	if err != nil {
		return nil, err
	}

	c := &Checkpoint{}
	for _, f := range fields {
		switch {
		case f.num >= 1 && f.num <= 3 && f.typ == protowire.BytesType:
			w, err := unmarshalWeight(f.bytes)
			if err != nil {
				return nil, errors.Wrap(err, "weight tensor")
			}
			switch f.num {
			case 1:
				c.Generator = append(c.Generator, w)
			case 2:
				c.Discriminator = append(c.Discriminator, w)
			case 3:
				c.GeneratorEMA = append(c.GeneratorEMA, w)
			}
		case (f.num == 4 || f.num == 5) && f.typ == protowire.BytesType:
			s, err := unmarshalOptimizer(f.bytes)
			if err != nil {
				return nil, errors.Wrap(err, "optimizer state")
			}
			if f.num == 4 {
				c.GeneratorOptim = s
			} else {
				c.DiscriminatorOptim = s
			}
		case f.num == 6 && f.typ == protowire.BytesType:
			c.Args = append([]byte(nil), f.bytes...)
		case f.num == 7 && f.typ == protowire.Fixed64Type:
			c.AdaAugP = math.Float64frombits(f.num64)
		case f.num == 8 && f.typ == protowire.BytesType:
			sub, err := parseFields(f.bytes)
			if err != nil {
				return nil, errors.Wrap(err, "training state")
			}
			for _, s := range sub {
				switch s.num {
				case 1:
					c.TrainingState.Iteration = int(s.num64)
				case 2:
					c.TrainingState.MeanPathLength = math.Float64frombits(s.num64)
				case 3:
					c.TrainingState.RtStat = math.Float64frombits(s.num64)
				}
			}
		case f.num == 9 && f.typ == protowire.BytesType:
			sub, err := parseFields(f.bytes)
			if err != nil {
				return nil, errors.Wrap(err, "metadata")
			}
			md := &c.Metadata
			for _, s := range sub {
				switch s.num {
				case 1:
					md.Version = string(s.bytes)
				case 2:
					md.Framework = string(s.bytes)
				case 3:
					md.CreatedAt = time.Unix(0, int64(s.num64))
				case 4:
					md.Description = string(s.bytes)
				case 5:
					md.Tags = append(md.Tags, string(s.bytes))
				case 6:
					md.RunID = string(s.bytes)
				}
			}
		}
	}
	return c, nil
}

func unmarshalWeight(b []byte) (WeightTensor, error) {
	var w WeightTensor
	fields, err := parseFields(b)
	if err != nil {
		return w, err
	}
	for _, f := range fields {
		switch f.num {
		case 1:
			w.Name = string(f.bytes)
		case 2:
			if w.Shape, err = unpackInts(f.bytes); err != nil {
				return w, errors.Wrap(err, "shape")
			}
		case 3:
			if w.Data, err = unpackDoubles(f.bytes); err != nil {
				return w, errors.Wrap(err, "data")
			}
		case 4:
			w.Layer = string(f.bytes)
		case 5:
			w.Type = string(f.bytes)
		}
	}
	return w, nil
}

func unmarshalOptimizer(b []byte) (*OptimizerState, error) {
	s := &OptimizerState{Parameters: make(map[string]float64)}
	fields, err := parseFields(b)
	if err != nil {
		return nil, err
	}
	for _, f := range fields {
		switch f.num {
		case 1:
			s.Type = string(f.bytes)
		case 2:
			sub, err := parseFields(f.bytes)
			if err != nil {
				return nil, errors.Wrap(err, "parameter")
			}
			var key string
			var value float64
			for _, p := range sub {
				switch p.num {
				case 1:
					key = string(p.bytes)
				case 2:
					value = math.Float64frombits(p.num64)
				}
			}
			s.Parameters[key] = value
		case 3:
			sub, err := parseFields(f.bytes)
			if err != nil {
				return nil, errors.Wrap(err, "state tensor")
			}
			var t OptimizerTensor
			for _, p := range sub {
				switch p.num {
				case 1:
					t.Name = string(p.bytes)
				case 2:
					if t.Shape, err = unpackInts(p.bytes); err != nil {
						return nil, errors.Wrap(err, "state shape")
					}
				case 3:
					if t.Data, err = unpackDoubles(p.bytes); err != nil {
						return nil, errors.Wrap(err, "state data")
					}
				case 4:
					t.StateType = string(p.bytes)
				}
			}
			s.StateData = append(s.StateData, t)
		}
	}
	return s, nil
}
