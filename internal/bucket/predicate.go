package bucket

import (
	"fmt"
	"strings"
)

// Predicate is an extra condition on transient bucket rows, such as
// master_id_flag = 1 for cone searches.
type Predicate struct {
	Column   string
	Operator string // "=", "!=", "<", ">", "<=", ">=", "IN"
	Value    interface{}
	Values   []interface{} // For IN
}

// Eq returns a column = value predicate.
func Eq(column string, value interface{}) Predicate {
	return Predicate{Column: column, Operator: "=", Value: value}
}

// predicateColumns lists the transient bucket columns predicates may name.
var predicateColumns = map[string]bool{
	"shared_id":       true,
	"name":            true,
	"survey":          true,
	"master_id_flag":  true,
	"limiting_mag":    true,
	"filter_name":     true,
	"magnitude":       true,
	"observation_mjd": true,
	"zone_id":         true,
	"source_table":    true,
}

// buildPredicateClause builds a SQL clause from a predicate.
func buildPredicateClause(pred Predicate) (string, []interface{}, error) {
	if !predicateColumns[pred.Column] {
		return "", nil, fmt.Errorf("bucket: predicate on unsupported column %q", pred.Column)
	}
	col := "`" + pred.Column + "`"

	switch pred.Operator {
	case "=", "!=", "<", "<=", ">", ">=":
		op := pred.Operator
		if op == "!=" {
			op = "<>"
		}
		return fmt.Sprintf("%s %s ?", col, op), []interface{}{normalizeValue(pred.Value)}, nil

	case "IN":
		if len(pred.Values) == 0 {
			// nothing can match an empty set
			return "1 = 0", nil, nil
		}
		args := make([]interface{}, len(pred.Values))
		for i, v := range pred.Values {
			args[i] = normalizeValue(v)
		}
		return fmt.Sprintf("%s IN (%s)", col, placeholders(len(args))), args, nil
	}

	return "", nil, fmt.Errorf("bucket: unsupported predicate operator %q", pred.Operator)
}

// buildWhere joins predicate clauses with AND.
func buildWhere(preds []Predicate) (string, []interface{}, error) {
	var clauses []string
	var args []interface{}
	for _, p := range preds {
		clause, a, err := buildPredicateClause(p)
		if err != nil {
			return "", nil, err
		}
		clauses = append(clauses, clause)
		args = append(args, a...)
	}
	return strings.Join(clauses, " AND "), args, nil
}

// normalizeValue maps booleans to the 0/1 flags stored in TINYINT columns.
func normalizeValue(v interface{}) interface{} {
	if b, ok := v.(bool); ok {
		if b {
			return 1
		}
		return 0
	}
	return v
}
