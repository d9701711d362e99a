package log

import (
	"reflect"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"github.com/keboola/go-utils/pkg/wildcards"
	"github.com/stretchr/testify/assert"

	"github.com/keboola/keboola-shardjob/internal/pkg/utils/errors"
)

type jsonRecord struct {
	raw    string
	fields map[string]any
}

// CompareJSONMessages checks that the expected records are a subsequence of the actual records.
// An actual record matches if it contains all expected fields, string values may contain wildcards.
func CompareJSONMessages(expected string, actual string) error {
	expectedRecords, err := decodeJSONLines(expected)
	if err != nil {
		return errors.PrefixError(err, "invalid expected logs")
	}
	actualRecords, err := decodeJSONLines(actual)
	if err != nil {
		return errors.PrefixError(err, "invalid actual logs")
	}

	next := 0
	for _, exp := range expectedRecords {
		skipped := next
		for next < len(actualRecords) && !recordMatches(exp, actualRecords[next]) {
			next++
		}
		if next == len(actualRecords) {
			var remaining []string
			for _, r := range actualRecords[skipped:] {
				remaining = append(remaining, r.raw)
			}
			return errors.Errorf("Expected:\n-----\n%s\n-----\nActual:\n-----\n%s", exp.raw, strings.Join(remaining, "\n"))
		}
		next++
	}
	return nil
}

// AssertJSONMessages checks that the expected records are a subsequence of the actual records.
func AssertJSONMessages(t assert.TestingT, expected string, actual string, msgAndArgs ...any) bool {
	if err := CompareJSONMessages(expected, actual); err != nil {
		return assert.Fail(t, err.Error(), msgAndArgs...)
	}
	return true
}

func decodeJSONLines(in string) (out []jsonRecord, err error) {
	for _, line := range strings.Split(strings.Trim(in, "\n"), "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		r := jsonRecord{raw: line}
		if err := jsoniter.ConfigCompatibleWithStandardLibrary.UnmarshalFromString(line, &r.fields); err != nil {
			return nil, errors.Wrapf(err, "line is not a JSON object:\n%s", line)
		}
		out = append(out, r)
	}
	return out, nil
}

func recordMatches(expected, actual jsonRecord) bool {
	for key, value := range expected.fields {
		actualValue, found := actual.fields[key]
		if !found {
			return false
		}
		expectedStr, isStr := value.(string)
		if !isStr {
			if !reflect.DeepEqual(value, actualValue) {
				return false
			}
			continue
		}
		actualStr, isStr := actualValue.(string)
		if !isStr || wildcards.Compare(expectedStr, actualStr) != nil {
			return false
		}
	}
	return true
}
