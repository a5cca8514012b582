package redisindex

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/redis/rueidis"

	"github.com/kozaktomas/face-engine/internal/database"
)

// Search runs an FT.SEARCH KNN query with the filter as a pre-filter.
// Redis reports cosine distance; hits are returned as similarity.
func (x *Index) Search(
	ctx context.Context, vector []float32, filter database.SearchFilter, limit int, scoreThreshold float64,
) ([]database.ScoredPoint, error) {
	if len(vector) != x.dim {
		return nil, fail(database.OpSearch, fmt.Errorf("query dimension %d, want %d", len(vector), x.dim))
	}
	if limit <= 0 {
		return nil, nil
	}

	knn := fmt.Sprintf("[KNN %d @%s $BLOB]", limit, vectorField)
	query := "*=>" + knn
	if !filter.IsEmpty() {
		query = "(" + buildFilter(filter) + ")=>" + knn
	}
	returned := append([]string{scoreField}, tagFields...)
	args := []string{x.name, query, "RETURN", strconv.Itoa(len(returned))}
	args = append(args, returned...)
	args = append(args,
		"SORTBY", scoreField,
		"LIMIT", "0", strconv.Itoa(limit),
		"PARAMS", "2", "BLOB", vectorToBytes(vector),
		"DIALECT", "2",
	)

	raw, err := x.client.Do(ctx, x.client.B().Arbitrary("FT.SEARCH").Args(args...).Build()).ToArray()
	if err != nil {
		return nil, fail(database.OpSearch, err)
	}
	hits, err := x.parseHits(raw)
	if err != nil {
		return nil, fail(database.OpSearch, err)
	}

	out := hits[:0]
	for _, h := range hits {
		if h.Score >= scoreThreshold {
			out = append(out, h)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out, nil
}

// parseHits reads a RESP2 reply laid out as [total, key1, fields1, key2, fields2, ...].
func (x *Index) parseHits(raw []rueidis.RedisMessage) ([]database.ScoredPoint, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	if _, err := raw[0].AsInt64(); err != nil {
		return nil, fmt.Errorf("parse total: %w", err)
	}

	hits := make([]database.ScoredPoint, 0, (len(raw)-1)/2)
	for i := 1; i+1 < len(raw); i += 2 {
		key, err := raw[i].ToString()
		if err != nil {
			continue
		}
		fields, err := raw[i+1].ToArray()
		if err != nil {
			continue
		}
		m := fieldPairs(fields)
		dist, err := strconv.ParseFloat(m[scoreField], 64)
		if err != nil {
			continue
		}
		p := decodePoint(x.idOf(key), m)
		hits = append(hits, database.ScoredPoint{ID: p.ID, Score: 1 - dist, Payload: p.Payload})
	}
	return hits, nil
}

func fieldPairs(fields []rueidis.RedisMessage) map[string]string {
	m := make(map[string]string, len(fields)/2)
	for j := 0; j+1 < len(fields); j += 2 {
		name, err := fields[j].ToString()
		if err != nil {
			continue
		}
		value, err := fields[j+1].ToString()
		if err != nil {
			continue
		}
		m[name] = value
	}
	return m
}

// buildFilter translates a SearchFilter into query syntax. Keys are sorted
// so the query string is deterministic.
func buildFilter(f database.SearchFilter) string {
	if f.IsEmpty() {
		return "*"
	}
	var parts []string
	for _, k := range sortedKeys(f.Must) {
		parts = append(parts, tagFilter(k, f.Must[k]))
	}
	for _, k := range sortedKeys(f.MustNot) {
		parts = append(parts, "-"+tagFilter(k, f.MustNot[k]))
	}
	for _, k := range f.IsMissing {
		parts = append(parts, fmt.Sprintf("ismissing(@%s)", k))
	}
	return strings.Join(parts, " ")
}

func tagFilter(key, value string) string {
	return fmt.Sprintf("@%s:{%s}", key, tagEscaper.Replace(value))
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

var tagEscaper = strings.NewReplacer(
	",", "\\,",
	".", "\\.",
	"<", "\\<",
	">", "\\>",
	"{", "\\{",
	"}", "\\}",
	"\"", "\\\"",
	"'", "\\'",
	":", "\\:",
	";", "\\;",
	"!", "\\!",
	"@", "\\@",
	"#", "\\#",
	"$", "\\$",
	"%", "\\%",
	"^", "\\^",
	"&", "\\&",
	"*", "\\*",
	"(", "\\(",
	")", "\\)",
	"-", "\\-",
	"+", "\\+",
	"=", "\\=",
	"~", "\\~",
	" ", "\\ ",
)
