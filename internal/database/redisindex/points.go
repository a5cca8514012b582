package redisindex

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"strconv"

	"github.com/redis/rueidis"

	"github.com/kozaktomas/face-engine/internal/database"
)

func (x *Index) Upsert(ctx context.Context, points []database.Point) error {
	if len(points) == 0 {
		return nil
	}
	// DEL first so keys dropped from the payload do not linger.
	cmds := make(rueidis.Commands, 0, 2*len(points))
	for _, p := range points {
		if len(p.Vector) != x.dim {
			return fail(database.OpUpsert, fmt.Errorf("point %s: dimension %d, want %d", p.ID, len(p.Vector), x.dim))
		}
		key := x.key(p.ID)
		cmds = append(cmds, x.client.B().Del().Key(key).Build())
		hset := x.client.B().Hset().Key(key).FieldValue().FieldValue(vectorField, vectorToBytes(p.Vector))
		for k, v := range p.Payload {
			if s, ok := encodeValue(v); ok {
				hset = hset.FieldValue(k, s)
			}
		}
		cmds = append(cmds, hset.Build())
	}
	for _, res := range x.client.DoMulti(ctx, cmds...) {
		if err := res.Error(); err != nil {
			return fail(database.OpUpsert, err)
		}
	}
	return nil
}

func (x *Index) Retrieve(ctx context.Context, ids []string) ([]database.Point, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	cmds := make(rueidis.Commands, len(ids))
	for i, id := range ids {
		cmds[i] = x.client.B().Hgetall().Key(x.key(id)).Build()
	}
	var out []database.Point
	for i, res := range x.client.DoMulti(ctx, cmds...) {
		m, err := res.AsStrMap()
		if err != nil {
			return nil, fail(database.OpRetrieve, fmt.Errorf("point %s: %w", ids[i], err))
		}
		if len(m) == 0 {
			continue
		}
		out = append(out, decodePoint(ids[i], m))
	}
	return out, nil
}

func (x *Index) Get(ctx context.Context, id string) (*database.Point, error) {
	m, err := x.client.Do(ctx, x.client.B().Hgetall().Key(x.key(id)).Build()).AsStrMap()
	if err != nil {
		return nil, fail(database.OpGet, err)
	}
	if len(m) == 0 {
		return nil, &database.NotFoundError{Entity: "point", ID: id}
	}
	p := decodePoint(id, m)
	return &p, nil
}

// SetPayloadFields only touches points that exist, so a late payload update
// never resurrects a deleted point as a vectorless hash.
func (x *Index) SetPayloadFields(ctx context.Context, ids []string, fields database.Payload) error {
	if len(ids) == 0 || len(fields) == 0 {
		return nil
	}
	existing, err := x.existing(ctx, ids, database.OpSetPayload)
	if err != nil {
		return err
	}
	if len(existing) == 0 {
		return nil
	}
	cmds := make(rueidis.Commands, 0, len(existing))
	for _, id := range existing {
		hset := x.client.B().Hset().Key(x.key(id)).FieldValue()
		for k, v := range fields {
			if s, ok := encodeValue(v); ok {
				hset = hset.FieldValue(k, s)
			}
		}
		cmds = append(cmds, hset.Build())
	}
	for _, res := range x.client.DoMulti(ctx, cmds...) {
		if err := res.Error(); err != nil {
			return fail(database.OpSetPayload, err)
		}
	}
	return nil
}

func (x *Index) existing(ctx context.Context, ids []string, op string) ([]string, error) {
	cmds := make(rueidis.Commands, len(ids))
	for i, id := range ids {
		cmds[i] = x.client.B().Exists().Key(x.key(id)).Build()
	}
	var out []string
	for i, res := range x.client.DoMulti(ctx, cmds...) {
		n, err := res.AsInt64()
		if err != nil {
			return nil, fail(op, err)
		}
		if n > 0 {
			out = append(out, ids[i])
		}
	}
	return out, nil
}

func (x *Index) DeletePayloadFields(ctx context.Context, ids []string, keys []string) error {
	if len(ids) == 0 || len(keys) == 0 {
		return nil
	}
	cmds := make(rueidis.Commands, len(ids))
	for i, id := range ids {
		cmds[i] = x.client.B().Hdel().Key(x.key(id)).Field(keys...).Build()
	}
	for _, res := range x.client.DoMulti(ctx, cmds...) {
		if err := res.Error(); err != nil {
			return fail(database.OpDeletePayload, err)
		}
	}
	return nil
}

// Delete issues one DEL per key so it stays slot-safe on a cluster.
func (x *Index) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	cmds := make(rueidis.Commands, len(ids))
	for i, id := range ids {
		cmds[i] = x.client.B().Del().Key(x.key(id)).Build()
	}
	for _, res := range x.client.DoMulti(ctx, cmds...) {
		if err := res.Error(); err != nil {
			return fail(database.OpDelete, err)
		}
	}
	return nil
}

func (x *Index) Count(ctx context.Context) (int, error) {
	cmd := x.client.B().Arbitrary("FT.SEARCH").Args(x.name, "*", "LIMIT", "0", "0", "DIALECT", "2").Build()
	raw, err := x.client.Do(ctx, cmd).ToArray()
	if err != nil {
		return 0, fail(database.OpCount, err)
	}
	if len(raw) == 0 {
		return 0, nil
	}
	total, err := raw[0].AsInt64()
	if err != nil {
		return 0, fail(database.OpCount, fmt.Errorf("parse count: %w", err))
	}
	return int(total), nil
}

// encodeValue renders a payload value as a hash field. nil values are skipped.
func encodeValue(v any) (string, bool) {
	switch t := v.(type) {
	case nil:
		return "", false
	case string:
		return t, true
	case bool:
		return strconv.FormatBool(t), true
	case int:
		return strconv.Itoa(t), true
	case int64:
		return strconv.FormatInt(t, 10), true
	case float64:
		return strconv.FormatFloat(t, 'g', -1, 64), true
	case fmt.Stringer:
		return t.String(), true
	default:
		return fmt.Sprint(t), true
	}
}

func decodePoint(id string, m map[string]string) database.Point {
	p := database.Point{ID: id, Payload: make(database.Payload, len(m))}
	for k, v := range m {
		switch k {
		case vectorField:
			p.Vector = bytesToVector(v)
		case scoreField:
		default:
			p.Payload[k] = v
		}
	}
	if b, ok := p.Payload[database.PayloadIsPrototype].(string); ok {
		p.Payload[database.PayloadIsPrototype] = b == "true"
	}
	return p
}

func vectorToBytes(v []float32) string {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return string(buf)
}

func bytesToVector(s string) []float32 {
	out := make([]float32, len(s)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32([]byte(s[i*4 : i*4+4])))
	}
	return out
}
