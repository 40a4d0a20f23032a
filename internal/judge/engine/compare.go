package engine

import (
	"encoding/json"
	"reflect"
	"strings"
)

// outputsMatch compares actual vs expected output. Exact match after
// trimming wins; otherwise both sides are parsed as JSON and compared
// structurally, so the driver's json.dumps output matches regardless of
// whitespace ([0, 1] equals [0,1]). If either side is not JSON the
// answer is wrong.
func outputsMatch(actual, expected string) bool {
	actual = strings.TrimSpace(actual)
	expected = strings.TrimSpace(expected)

	if actual == expected {
		return true
	}

	var actualValue, expectedValue interface{}
	if err := json.Unmarshal([]byte(actual), &actualValue); err != nil {
		return false
	}
	if err := json.Unmarshal([]byte(expected), &expectedValue); err != nil {
		return false
	}
	return reflect.DeepEqual(actualValue, expectedValue)
}
