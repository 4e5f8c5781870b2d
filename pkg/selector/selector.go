// Package selector evaluates document-store query selectors ($eq, $in, $elemMatch...)
// against in-memory documents, and orders values the way document stores sort them.
package selector

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/openfga/grapher/pkg/document"
)

var ErrUnsupportedOperator = errors.New("unsupported selector operator")

// Match reports whether doc satisfies filter. A nil or empty filter matches everything.
func Match(doc any, filter map[string]any) (bool, error) {
	for key, cond := range filter {
		ok, err := matchKey(doc, key, cond)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

// MustMatch is Match for selectors known to be valid.
func MustMatch(doc any, filter map[string]any) bool {
	ok, err := Match(doc, filter)
	if err != nil {
		panic(err)
	}
	return ok
}

func matchKey(doc any, key string, cond any) (bool, error) {
	switch key {
	case "$and", "$or", "$nor":
		clauses, ok := document.AsSlice(cond)
		if !ok {
			return false, fmt.Errorf("%s expects an array", key)
		}
		for _, clause := range clauses {
			sub, ok := document.AsMap(clause)
			if !ok {
				return false, fmt.Errorf("%s expects an array of selectors", key)
			}
			matched, err := Match(doc, sub)
			if err != nil {
				return false, err
			}
			switch {
			case key == "$and" && !matched:
				return false, nil
			case key == "$or" && matched:
				return true, nil
			case key == "$nor" && matched:
				return false, nil
			}
		}
		return key != "$or", nil
	}

	if strings.HasPrefix(key, "$") {
		return false, fmt.Errorf("%w: %s", ErrUnsupportedOperator, key)
	}

	values := document.Values(doc, key)
	if ops, ok := operatorMap(cond); ok {
		return matchOperators(values, ops)
	}
	return anyEqual(values, cond), nil
}

// operatorMap returns cond as a map if every key of it is an operator.
func operatorMap(cond any) (map[string]any, bool) {
	m, ok := document.AsMap(cond)
	if !ok || len(m) == 0 {
		return nil, false
	}
	for k := range m {
		if !strings.HasPrefix(k, "$") {
			return nil, false
		}
	}
	return m, true
}

func matchOperators(values []any, ops map[string]any) (bool, error) {
	for op, arg := range ops {
		ok, err := matchOperator(values, op, arg, ops)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

func matchOperator(values []any, op string, arg any, ops map[string]any) (bool, error) {
	switch op {
	case "$eq":
		return anyEqual(values, arg), nil
	case "$ne":
		return !anyEqual(values, arg), nil
	case "$in", "$nin":
		candidates, ok := document.AsSlice(arg)
		if !ok {
			return false, fmt.Errorf("%s expects an array", op)
		}
		found := false
		for _, c := range candidates {
			if anyEqual(values, c) {
				found = true
				break
			}
		}
		return found == (op == "$in"), nil
	case "$gt", "$gte", "$lt", "$lte":
		return anyCompare(values, op, arg), nil
	case "$exists":
		want, _ := arg.(bool)
		return (len(values) > 0) == want, nil
	case "$size":
		size, ok := document.ToFloat(arg)
		if !ok {
			return false, fmt.Errorf("$size expects a number")
		}
		for _, v := range values {
			if arr, ok := document.AsSlice(v); ok && float64(len(arr)) == size {
				return true, nil
			}
		}
		return false, nil
	case "$all":
		required, ok := document.AsSlice(arg)
		if !ok {
			return false, fmt.Errorf("$all expects an array")
		}
		for _, r := range required {
			if !anyEqual(values, r) {
				return false, nil
			}
		}
		return len(required) > 0, nil
	case "$elemMatch":
		sub, ok := document.AsMap(arg)
		if !ok {
			return false, fmt.Errorf("$elemMatch expects a selector")
		}
		return elemMatch(values, sub)
	case "$not":
		sub, ok := operatorMap(arg)
		if !ok {
			return false, fmt.Errorf("$not expects an operator expression")
		}
		matched, err := matchOperators(values, sub)
		return !matched, err
	case "$regex":
		return matchRegex(values, arg, ops["$options"])
	case "$options":
		return true, nil
	}
	return false, fmt.Errorf("%w: %s", ErrUnsupportedOperator, op)
}

func elemMatch(values []any, sub map[string]any) (bool, error) {
	ops, isOps := operatorMap(sub)
	for _, v := range values {
		arr, ok := document.AsSlice(v)
		if !ok {
			continue
		}
		for _, elem := range arr {
			var (
				matched bool
				err     error
			)
			if isOps {
				matched, err = matchOperators([]any{elem}, ops)
			} else {
				if _, isDoc := document.AsMap(elem); !isDoc {
					continue
				}
				matched, err = Match(elem, sub)
			}
			if err != nil {
				return false, err
			}
			if matched {
				return true, nil
			}
		}
	}
	return false, nil
}

func matchRegex(values []any, pattern any, options any) (bool, error) {
	var expr string
	switch p := pattern.(type) {
	case string:
		expr = p
	case primitive.Regex:
		expr = p.Pattern
		if options == nil {
			options = p.Options
		}
	default:
		return false, fmt.Errorf("$regex expects a string")
	}
	if opts, _ := options.(string); strings.Contains(opts, "i") {
		expr = "(?i)" + expr
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		return false, fmt.Errorf("invalid $regex: %w", err)
	}
	for _, v := range expand(values) {
		if s, ok := v.(string); ok && re.MatchString(s) {
			return true, nil
		}
	}
	return false, nil
}

// expand adds the elements of array values next to the arrays themselves.
func expand(values []any) []any {
	out := make([]any, 0, len(values))
	for _, v := range values {
		out = append(out, v)
		if arr, ok := document.AsSlice(v); ok {
			out = append(out, arr...)
		}
	}
	return out
}

func anyEqual(values []any, target any) bool {
	if len(values) == 0 {
		return target == nil
	}
	for _, v := range expand(values) {
		if Equal(v, target) {
			return true
		}
	}
	return false
}

func anyCompare(values []any, op string, target any) bool {
	for _, v := range expand(values) {
		if _, isArr := document.AsSlice(v); isArr {
			continue
		}
		if typeRank(v) != typeRank(target) {
			continue
		}
		c := Compare(v, target)
		switch {
		case op == "$gt" && c > 0,
			op == "$gte" && c >= 0,
			op == "$lt" && c < 0,
			op == "$lte" && c <= 0:
			return true
		}
	}
	return false
}

// Equal compares two values structurally; numbers compare by value.
func Equal(a, b any) bool {
	if typeRank(a) != typeRank(b) {
		return false
	}
	return Compare(a, b) == 0
}

// Compare orders two values following the document store's cross-type ordering:
// null, numbers, strings, documents, arrays, object ids, booleans, dates.
func Compare(a, b any) int {
	ra, rb := typeRank(a), typeRank(b)
	if ra != rb {
		if ra < rb {
			return -1
		}
		return 1
	}

	switch ra {
	case rankNull:
		return 0
	case rankNumber:
		fa, _ := document.ToFloat(a)
		fb, _ := document.ToFloat(b)
		return compareOrdered(fa, fb)
	case rankString:
		return strings.Compare(a.(string), b.(string))
	case rankDocument:
		ma, _ := document.AsMap(a)
		mb, _ := document.AsMap(b)
		return compareMaps(ma, mb)
	case rankArray:
		xa, _ := document.AsSlice(a)
		xb, _ := document.AsSlice(b)
		for i := 0; i < len(xa) && i < len(xb); i++ {
			if c := Compare(xa[i], xb[i]); c != 0 {
				return c
			}
		}
		return compareOrdered(len(xa), len(xb))
	case rankObjectID:
		return strings.Compare(a.(primitive.ObjectID).Hex(), b.(primitive.ObjectID).Hex())
	case rankBool:
		ba, bb := a.(bool), b.(bool)
		switch {
		case ba == bb:
			return 0
		case !ba:
			return -1
		}
		return 1
	case rankDate:
		return toTime(a).Compare(toTime(b))
	}
	return strings.Compare(fmt.Sprint(a), fmt.Sprint(b))
}

func compareMaps(a, b map[string]any) int {
	if len(a) != len(b) {
		return compareOrdered(len(a), len(b))
	}
	for k, va := range a {
		vb, ok := b[k]
		if !ok {
			return 1
		}
		if c := Compare(va, vb); c != 0 {
			return c
		}
	}
	return 0
}

type ordered interface {
	~int | ~float64
}

func compareOrdered[T ordered](a, b T) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

const (
	rankNull = iota
	rankNumber
	rankString
	rankDocument
	rankArray
	rankObjectID
	rankBool
	rankDate
	rankOther
)

func typeRank(v any) int {
	switch v.(type) {
	case nil:
		return rankNull
	case string:
		return rankString
	case primitive.ObjectID:
		return rankObjectID
	case bool:
		return rankBool
	case time.Time, primitive.DateTime:
		return rankDate
	}
	if _, ok := document.ToFloat(v); ok {
		return rankNumber
	}
	if _, ok := document.AsMap(v); ok {
		return rankDocument
	}
	if _, ok := document.AsSlice(v); ok {
		return rankArray
	}
	return rankOther
}

func toTime(v any) time.Time {
	switch t := v.(type) {
	case time.Time:
		return t
	case primitive.DateTime:
		return t.Time()
	}
	return time.Time{}
}
