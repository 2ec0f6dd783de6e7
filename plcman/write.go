package plcman

import (
	"encoding/json"
	"fmt"

	"s7link/plan"
	"s7link/s7"
)

// Write kinds reported to the Recorder.
const (
	WriteKindBool   = "bool"
	WriteKindNumber = "number"
	WriteKindString = "string"
	WriteKindMulti  = "multi"
)

// WriteRequest is one entry of a batched write.
type WriteRequest struct {
	Address string      `json:"address"`
	Value   interface{} `json:"value"`
}

type preparedWrite struct {
	tag  s7.Tag
	data []byte
	on   bool
}

func (w preparedWrite) isBit() bool {
	return w.tag.DataType == s7.Bit
}

// WriteBool sets or clears a BIT tag. The containing byte is read and written
// back inside one locked operation so neighbouring bits are preserved.
// It returns false with a nil error when the PLC could not be reached after
// retries.
func (c *Coordinator) WriteBool(address string, value bool) (bool, error) {
	tag, err := s7.Parse(address)
	if err != nil {
		return false, err
	}
	w, err := prepareBool(tag, value)
	if err != nil {
		return false, err
	}
	return c.write(WriteKindBool, w)
}

// WriteNumber writes a numeric tag. Integer types are rounded to the nearest
// integer; REAL and LREAL are written as given.
func (c *Coordinator) WriteNumber(address string, value float64) (bool, error) {
	tag, err := s7.Parse(address)
	if err != nil {
		return false, err
	}
	w, err := prepareNumber(tag, value)
	if err != nil {
		return false, err
	}
	return c.write(WriteKindNumber, w)
}

// WriteString writes an S7 STRING or WSTRING, header included. CHAR arrays
// are rejected.
func (c *Coordinator) WriteString(address string, value string) (bool, error) {
	tag, err := s7.Parse(address)
	if err != nil {
		return false, err
	}
	w, err := prepareString(tag, value)
	if err != nil {
		return false, err
	}
	return c.write(WriteKindString, w)
}

// WriteValue writes value to address, choosing the encoding from the tag
// type. bool goes to BIT, strings to STRING or WSTRING and numbers (including
// json.Number) to the numeric types.
func (c *Coordinator) WriteValue(address string, value interface{}) (bool, error) {
	tag, err := s7.Parse(address)
	if err != nil {
		return false, err
	}
	w, err := prepare(tag, value)
	if err != nil {
		return false, err
	}
	return c.write(kindOf(tag), w)
}

// WriteMulti writes every valid request in one batched operation. The result
// maps each address to whether it was written; requests that fail validation
// are reported false and do not stop the others.
func (c *Coordinator) WriteMulti(reqs []WriteRequest) map[string]bool {
	results := make(map[string]bool, len(reqs))
	writes := make([]preparedWrite, 0, len(reqs))
	addrs := make([]string, 0, len(reqs))

	for _, r := range reqs {
		tag, err := s7.Parse(r.Address)
		if err == nil {
			var w preparedWrite
			w, err = prepare(tag, r.Value)
			if err == nil {
				writes = append(writes, w)
				addrs = append(addrs, r.Address)
				continue
			}
		}
		c.log.Warn().Err(err).Str("address", r.Address).Msg("write rejected")
		results[r.Address] = false
	}
	if len(writes) == 0 {
		return results
	}

	ok, _ := c.write(WriteKindMulti, writes...)
	for _, a := range addrs {
		results[a] = ok
	}
	return results
}

func (c *Coordinator) write(kind string, writes ...preparedWrite) (bool, error) {
	c.mu.Lock()
	err := c.writeLocked(writes)
	c.mu.Unlock()

	if err != nil && s7.IsFatal(err) {
		c.rec.WriteCompleted(c.name, kind, false)
		return false, err
	}
	if err != nil {
		c.rec.WriteCompleted(c.name, kind, false)
		c.log.Error().Err(err).Str("kind", kind).Int("items", len(writes)).Msg("write failed")
		return false, nil
	}
	c.rec.WriteCompleted(c.name, kind, true)
	c.log.Debug().Str("kind", kind).Int("items", len(writes)).Msg("write complete")
	return true, nil
}

type byteLoc struct {
	db    int
	start int
}

// writeLocked performs all writes in one retried operation. BIT writes are
// merged per byte, together with any other payload covering that byte, so
// no write in the batch can overwrite another's bits.
func (c *Coordinator) writeLocked(writes []preparedWrite) error {
	op := "write " + writes[0].tag.String()
	if len(writes) > 1 {
		op = fmt.Sprintf("batch write of %d tags", len(writes))
	}

	return c.retrier.Do(op, func() error {
		index := make(map[byteLoc]int)
		var byteTags []s7.Tag
		for _, w := range writes {
			if !w.isBit() {
				continue
			}
			loc := byteLoc{w.tag.DBNumber, w.tag.Start}
			if _, ok := index[loc]; ok {
				continue
			}
			index[loc] = len(byteTags)
			byteTags = append(byteTags, s7.Tag{Area: w.tag.Area, DBNumber: w.tag.DBNumber, DataType: s7.Byte, Start: w.tag.Start})
		}

		current := make([]byte, len(byteTags))
		if len(byteTags) > 0 {
			raw, err := c.conn.Transport().Read(byteTags)
			if err != nil {
				return err
			}
			if len(raw) != len(byteTags) {
				return fmt.Errorf("%w: requested %d items, got %d", s7.ErrUnexpectedResponse, len(byteTags), len(raw))
			}
			for i, r := range raw {
				if len(r) < 1 {
					return fmt.Errorf("%w: empty read for %s", s7.ErrDecode, byteTags[i])
				}
				current[i] = r[0]
			}
		}

		// Apply every write to the read-back bytes in request order, so a
		// BYTE or WORD covering a written bit does not undo it.
		for _, w := range writes {
			if w.isBit() {
				i := index[byteLoc{w.tag.DBNumber, w.tag.Start}]
				current[i] = s7.SetBit(current[i], w.tag, w.on)
				continue
			}
			for off, b := range w.data {
				if i, ok := index[byteLoc{w.tag.DBNumber, w.tag.Start + off}]; ok {
					current[i] = b
				}
			}
		}

		tags := make([]s7.Tag, 0, len(writes)+len(byteTags))
		data := make([][]byte, 0, len(writes)+len(byteTags))
		for _, w := range writes {
			if w.isBit() {
				continue
			}
			payload := append([]byte(nil), w.data...)
			for off := range payload {
				if i, ok := index[byteLoc{w.tag.DBNumber, w.tag.Start + off}]; ok {
					payload[off] = current[i]
				}
			}
			tags = append(tags, w.tag)
			data = append(data, payload)
		}
		for i, t := range byteTags {
			tags = append(tags, t)
			data = append(data, []byte{current[i]})
		}
		return c.conn.Transport().Write(tags, data)
	})
}

// Read performs an on-demand read of address, bypassing the cache.
func (c *Coordinator) Read(address string) (interface{}, error) {
	tag, err := s7.Parse(address)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if tag.IsStringLike() {
		return c.readStringLocked(tag)
	}
	return retryValue(c.retrier, "read "+tag.String(), func() (interface{}, error) {
		raw, err := c.readRawLocked(tag)
		if err != nil {
			return nil, err
		}
		v, err := s7.Decode(tag, raw)
		if err != nil {
			return nil, err
		}
		return plan.ForTag(tag).Apply(v), nil
	})
}

func kindOf(tag s7.Tag) string {
	switch {
	case tag.DataType == s7.Bit:
		return WriteKindBool
	case tag.DataType == s7.String, tag.DataType == s7.WString:
		return WriteKindString
	default:
		return WriteKindNumber
	}
}

func prepare(tag s7.Tag, value interface{}) (preparedWrite, error) {
	switch v := value.(type) {
	case bool:
		return prepareBool(tag, v)
	case string:
		return prepareString(tag, v)
	}
	f, ok := toFloat(value)
	if !ok {
		return preparedWrite{}, fmt.Errorf("%w: unsupported value type %T for %s", s7.ErrInvalidArgument, value, tag)
	}
	return prepareNumber(tag, f)
}

func prepareBool(tag s7.Tag, value bool) (preparedWrite, error) {
	if tag.DataType != s7.Bit {
		return preparedWrite{}, fmt.Errorf("%w: %s is %s, not BOOL", s7.ErrInvalidArgument, tag, tag.DataType.Name())
	}
	return preparedWrite{tag: tag, on: value}, nil
}

func prepareNumber(tag s7.Tag, value float64) (preparedWrite, error) {
	data, err := s7.EncodeNumber(tag, value)
	if err != nil {
		return preparedWrite{}, err
	}
	return preparedWrite{tag: tag, data: data}, nil
}

func prepareString(tag s7.Tag, value string) (preparedWrite, error) {
	data, err := s7.EncodeString(tag, value)
	if err != nil {
		return preparedWrite{}, err
	}
	return preparedWrite{tag: tag, data: data}, nil
}

func toFloat(value interface{}) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int8:
		return float64(v), true
	case int16:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case uint:
		return float64(v), true
	case uint8:
		return float64(v), true
	case uint16:
		return float64(v), true
	case uint32:
		return float64(v), true
	case uint64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
