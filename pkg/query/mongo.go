package query

import (
	"encoding/json"
	"fmt"
	"regexp"

	"github.com/xt-ml/xt/pkg/common/models"
)

// mongoExpr is a parsed ":mongo:" document filter. Only the operators the CLI
// ever produced are supported: $and, $or, $eq, $ne, $gt, $gte, $lt, $lte,
// $in, $nin, $exists and $regex.
type mongoExpr struct {
	and   []*mongoExpr
	or    []*mongoExpr
	field string
	ops   map[string]interface{}
}

func parseMongo(raw string) (*mongoExpr, error) {
	var doc map[string]interface{}
	if err := json.Unmarshal([]byte(unquote(raw)), &doc); err != nil {
		return nil, err
	}
	return buildMongo(doc)
}

func buildMongo(doc map[string]interface{}) (*mongoExpr, error) {
	root := &mongoExpr{}
	for key, val := range doc {
		switch key {
		case "$and", "$or":
			list, ok := val.([]interface{})
			if !ok {
				return nil, fmt.Errorf("%s takes a list", key)
			}
			for _, item := range list {
				m, ok := item.(map[string]interface{})
				if !ok {
					return nil, fmt.Errorf("%s entries must be objects", key)
				}
				sub, err := buildMongo(m)
				if err != nil {
					return nil, err
				}
				if key == "$and" {
					root.and = append(root.and, sub)
				} else {
					root.or = append(root.or, sub)
				}
			}
		default:
			leaf := &mongoExpr{field: key, ops: map[string]interface{}{}}
			if m, ok := val.(map[string]interface{}); ok && isOperatorMap(m) {
				for op, arg := range m {
					switch op {
					case "$eq", "$ne", "$gt", "$gte", "$lt", "$lte", "$in", "$nin", "$exists":
					case "$regex":
						s, ok := arg.(string)
						if !ok {
							return nil, fmt.Errorf("$regex takes a string")
						}
						re, err := regexp.Compile(s)
						if err != nil {
							return nil, err
						}
						arg = re
					default:
						return nil, fmt.Errorf("unsupported operator %s", op)
					}
					leaf.ops[op] = arg
				}
			} else {
				leaf.ops["$eq"] = val
			}
			root.and = append(root.and, leaf)
		}
	}
	return root, nil
}

func isOperatorMap(m map[string]interface{}) bool {
	for k := range m {
		if len(k) == 0 || k[0] != '$' {
			return false
		}
	}
	return len(m) > 0
}

func (m *mongoExpr) match(doc models.Document) bool {
	if m.field != "" {
		return m.matchLeaf(doc)
	}
	for _, sub := range m.and {
		if !sub.match(doc) {
			return false
		}
	}
	if len(m.or) > 0 {
		for _, sub := range m.or {
			if sub.match(doc) {
				return true
			}
		}
		return false
	}
	return true
}

func (m *mongoExpr) matchLeaf(doc models.Document) bool {
	v, present := doc.Lookup(m.field)
	for op, arg := range m.ops {
		var ok bool
		switch op {
		case "$eq":
			if arg == nil {
				ok = !present || v == nil
			} else {
				ok = present && equalValues(v, arg)
			}
		case "$ne":
			if arg == nil {
				ok = present && v != nil
			} else {
				ok = !present || !equalValues(v, arg)
			}
		case "$gt", "$gte", "$lt", "$lte":
			cmp, same := compareSameKind(v, arg)
			ok = present && same && map[string]bool{
				"$gt": cmp > 0, "$gte": cmp >= 0, "$lt": cmp < 0, "$lte": cmp <= 0,
			}[op]
		case "$in", "$nin":
			list, _ := arg.([]interface{})
			found := false
			for _, item := range list {
				if present && equalValues(v, item) {
					found = true
					break
				}
			}
			ok = found == (op == "$in")
		case "$exists":
			want, _ := arg.(bool)
			ok = present == want
		case "$regex":
			s, isStr := v.(string)
			ok = present && isStr && arg.(*regexp.Regexp).MatchString(s)
		}
		if !ok {
			return false
		}
	}
	return true
}
