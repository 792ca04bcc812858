package viewindex

import (
	"bytes"
	"context"
	"encoding/json"
	"reflect"
	"sort"
	"strings"

	"syncbase/pkg/model"
)

// QueryOptions narrows and orders a range scan over a view's rows.
type QueryOptions struct {
	// Keys, when non-empty, restricts the result to rows whose key
	// equals one of Keys, in the order given. Mutually exclusive with
	// StartKey/EndKey in practice, though both are honoured if set.
	Keys []interface{}

	StartKey    interface{}
	HasStartKey bool
	EndKey      interface{}
	HasEndKey   bool
	// InclusiveEnd controls whether EndKey itself is included; CouchDB's
	// own default is true.
	InclusiveEnd bool

	Descending bool
	Limit      int
	Skip       int

	// Reduce requests grouped reduction instead of raw rows. Ignored if
	// the view has no ReduceFunc.
	Reduce bool
	// GroupLevel controls grouping when Reduce is set: a negative value
	// collapses every matched row into one ungrouped reduction (CouchDB's
	// group=false); 0 or positive groups adjacent rows using
	// groupTogether(key1, key2, GroupLevel).
	GroupLevel int
}

// NewQueryOptions returns options honouring CouchDB's own inclusive-end
// default.
func NewQueryOptions() QueryOptions {
	return QueryOptions{InclusiveEnd: true, GroupLevel: -1}
}

type decodedRow struct {
	row   Row
	key   interface{}
	value interface{}
}

// QueryWithOptions scans the view's current rows and returns them (or,
// if opts.Reduce is set, their grouped reduction) per opts.
func (vi *ViewIndexer) QueryWithOptions(ctx context.Context, opts QueryOptions) ([]model.QueryRow, error) {
	raw, err := vi.rows.AllRows(ctx, vi.viewID())
	if err != nil {
		return nil, err
	}

	items := make([]decodedRow, 0, len(raw))
	for _, r := range raw {
		var k, v interface{}
		if err := json.Unmarshal(r.KeyJSON, &k); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(r.ValueJSON, &v); err != nil {
			return nil, err
		}
		items = append(items, decodedRow{row: r, key: k, value: v})
	}

	if len(opts.Keys) > 0 {
		var filtered []decodedRow
		for _, wantKey := range opts.Keys {
			for _, it := range items {
				if jsonEqual(it.key, wantKey) {
					filtered = append(filtered, it)
				}
			}
		}
		items = filtered
	}

	collation := vi.view.Collation
	sort.SliceStable(items, func(i, j int) bool {
		c := compareCollated(items[i].key, items[j].key, collation)
		if opts.Descending {
			return c > 0
		}
		return c < 0
	})

	items = filterRange(items, opts, collation)

	if opts.Reduce && vi.view.Reduce != nil {
		return vi.reduceGroups(items, opts.GroupLevel), nil
	}

	if opts.Skip > 0 {
		if opts.Skip >= len(items) {
			items = nil
		} else {
			items = items[opts.Skip:]
		}
	}
	if opts.Limit > 0 && len(items) > opts.Limit {
		items = items[:opts.Limit]
	}

	out := make([]model.QueryRow, 0, len(items))
	for _, it := range items {
		out = append(out, model.QueryRow{
			Key:         it.key,
			Value:       it.value,
			SourceDocID: it.row.DocID,
			Sequence:    it.row.Sequence,
		})
	}
	return out, nil
}

func filterRange(items []decodedRow, opts QueryOptions, collation Collation) []decodedRow {
	if !opts.HasStartKey && !opts.HasEndKey {
		return items
	}
	out := make([]decodedRow, 0, len(items))
	for _, it := range items {
		if opts.HasStartKey {
			c := compareCollated(it.key, opts.StartKey, collation)
			if opts.Descending {
				if c > 0 {
					continue
				}
			} else if c < 0 {
				continue
			}
		}
		if opts.HasEndKey {
			c := compareCollated(it.key, opts.EndKey, collation)
			if opts.Descending {
				if opts.InclusiveEnd {
					if c < 0 {
						continue
					}
				} else if c <= 0 {
					continue
				}
			} else if opts.InclusiveEnd {
				if c > 0 {
					continue
				}
			} else if c >= 0 {
				continue
			}
		}
		out = append(out, it)
	}
	return out
}

func (vi *ViewIndexer) reduceGroups(items []decodedRow, groupLevel int) []model.QueryRow {
	if groupLevel < 0 {
		if len(items) == 0 {
			return nil
		}
		keys := make([]interface{}, len(items))
		values := make([]interface{}, len(items))
		for i, it := range items {
			keys[i] = it.key
			values[i] = it.value
		}
		return []model.QueryRow{{Value: vi.view.Reduce(keys, values, false)}}
	}

	var out []model.QueryRow
	var curKeys, curValues []interface{}
	var groupRepKey interface{}

	flush := func() {
		if len(curKeys) == 0 {
			return
		}
		out = append(out, model.QueryRow{
			Key:   groupKey(groupRepKey, groupLevel),
			Value: vi.view.Reduce(curKeys, curValues, false),
		})
		curKeys, curValues = nil, nil
	}

	for _, it := range items {
		if len(curKeys) > 0 && !groupTogether(groupRepKey, it.key, groupLevel) {
			flush()
		}
		if len(curKeys) == 0 {
			groupRepKey = it.key
		}
		curKeys = append(curKeys, it.key)
		curValues = append(curValues, it.value)
	}
	flush()
	return out
}

// groupTogether reports whether k1 and k2 belong in the same reduce
// group at grouping level n. If n is 0 or either key is not a JSON
// array, grouping requires exact equality; otherwise the first
// min(n, len(k1), len(k2)) elements must be structurally equal.
func groupTogether(k1, k2 interface{}, n int) bool {
	arr1, ok1 := k1.([]interface{})
	arr2, ok2 := k2.([]interface{})
	if n == 0 || !ok1 || !ok2 {
		return jsonEqual(k1, k2)
	}
	limit := n
	if len(arr1) < limit {
		limit = len(arr1)
	}
	if len(arr2) < limit {
		limit = len(arr2)
	}
	for i := 0; i < limit; i++ {
		if !jsonEqual(arr1[i], arr2[i]) {
			return false
		}
	}
	return true
}

// groupKey derives the representative key shown for a reduce group: the
// first groupLevel elements of an array key, or the key itself for a
// non-array key or a non-positive level.
func groupKey(key interface{}, groupLevel int) interface{} {
	if groupLevel <= 0 {
		return key
	}
	arr, ok := key.([]interface{})
	if !ok {
		return key
	}
	n := groupLevel
	if n > len(arr) {
		n = len(arr)
	}
	cp := make([]interface{}, n)
	copy(cp, arr[:n])
	return cp
}

func jsonEqual(a, b interface{}) bool {
	if reflect.DeepEqual(a, b) {
		return true
	}
	ab, errA := json.Marshal(a)
	bb, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return string(ab) == string(bb)
}

// compareCollated orders two decoded JSON values per collation.
func compareCollated(a, b interface{}, collation Collation) int {
	if collation == CollationRaw {
		ab, _ := json.Marshal(a)
		bb, _ := json.Marshal(b)
		return bytes.Compare(ab, bb)
	}
	return compareTyped(a, b)
}

// compareTyped implements CouchDB-style type ordering: null < false <
// true < number < string < array < object.
func compareTyped(a, b interface{}) int {
	ra, rb := typeRank(a), typeRank(b)
	if ra != rb {
		if ra < rb {
			return -1
		}
		return 1
	}
	switch av := a.(type) {
	case nil:
		return 0
	case bool:
		bv, _ := b.(bool)
		if av == bv {
			return 0
		}
		if !av {
			return -1
		}
		return 1
	case float64:
		bv, _ := b.(float64)
		switch {
		case av < bv:
			return -1
		case av > bv:
			return 1
		default:
			return 0
		}
	case string:
		bv, _ := b.(string)
		return strings.Compare(av, bv)
	case []interface{}:
		bv, _ := b.([]interface{})
		n := len(av)
		if len(bv) < n {
			n = len(bv)
		}
		for i := 0; i < n; i++ {
			if c := compareTyped(av[i], bv[i]); c != 0 {
				return c
			}
		}
		switch {
		case len(av) < len(bv):
			return -1
		case len(av) > len(bv):
			return 1
		default:
			return 0
		}
	case map[string]interface{}:
		bv, _ := b.(map[string]interface{})
		ak, bk := sortedKeys(av), sortedKeys(bv)
		n := len(ak)
		if len(bk) < n {
			n = len(bk)
		}
		for i := 0; i < n; i++ {
			if c := strings.Compare(ak[i], bk[i]); c != 0 {
				return c
			}
			if c := compareTyped(av[ak[i]], bv[bk[i]]); c != 0 {
				return c
			}
		}
		switch {
		case len(ak) < len(bk):
			return -1
		case len(ak) > len(bk):
			return 1
		default:
			return 0
		}
	}
	return 0
}

func typeRank(v interface{}) int {
	switch v.(type) {
	case nil:
		return 0
	case bool:
		return 1
	case float64:
		return 2
	case string:
		return 3
	case []interface{}:
		return 4
	case map[string]interface{}:
		return 5
	default:
		return 6
	}
}

func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
