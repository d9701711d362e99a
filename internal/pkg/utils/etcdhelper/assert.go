package etcdhelper

import (
	"context"
	"fmt"
	"strings"

	"github.com/keboola/go-utils/pkg/wildcards"
	"github.com/stretchr/testify/assert"
	"github.com/umisama/go-regexpcache"
	etcd "go.etcd.io/etcd/client/v3"
)

type AssertOption func(*assertConfig)

type assertConfig struct {
	ignoredKeyPatterns []string
}

// WithIgnoredKeyPattern skips actual keys matching the regular expression.
func WithIgnoredKeyPattern(v string) AssertOption {
	return func(c *assertConfig) {
		c.ignoredKeyPatterns = append(c.ignoredKeyPatterns, v)
	}
}

type tHelper interface {
	Helper()
}

// AssertKeys compares all keys in the database with the expected keys, values are not checked.
func AssertKeys(t assert.TestingT, client etcd.KV, expectedKeys []string, ops ...AssertOption) bool {
	if h, ok := t.(tHelper); ok {
		h.Helper()
	}

	expected := make([]KV, 0, len(expectedKeys))
	for _, key := range expectedKeys {
		expected = append(expected, KV{Key: key, Value: "%A"})
	}
	return assertKVs(t, client, expected, false, ops...)
}

// AssertKVsString compares all KVs in the database with the expected dump, see ParseDump.
// Keys and values may contain wildcards.
func AssertKVsString(t assert.TestingT, client etcd.KV, expected string, ops ...AssertOption) bool {
	if h, ok := t.(tHelper); ok {
		h.Helper()
	}
	return assertKVs(t, client, ParseDump(expected), true, ops...)
}

func assertKVs(t assert.TestingT, client etcd.KV, expected []KV, checkLease bool, ops ...AssertOption) bool {
	cfg := assertConfig{}
	for _, o := range ops {
		o(&cfg)
	}

	all, err := DumpAll(context.Background(), client)
	if err != nil {
		t.Errorf(`cannot dump etcd KVs: %s`, err)
		return false
	}
	actual := cfg.filter(all)

	var problems []string
	var missing []string
	used := make([]bool, len(actual))
	for i, exp := range expected {
		a := matchKey(exp, actual, used)
		if a < 0 {
			missing = append(missing, fmt.Sprintf(`[%03d] %s`, i, exp.Key))
			continue
		}
		used[a] = true
		problems = append(problems, compareKV(exp, actual[a], checkLease)...)
	}

	var unexpected []string
	for i, kv := range actual {
		if !used[i] {
			unexpected = append(unexpected, fmt.Sprintf(`[%03d] %s`, i, kv.Key))
		}
	}

	if len(missing) > 0 {
		problems = append(problems, fmt.Sprintf("Missing keys:\n%s", strings.Join(missing, "\n")))
	}
	if len(unexpected) > 0 {
		problems = append(problems, fmt.Sprintf("Unexpected keys:\n%s", strings.Join(unexpected, "\n")))
	}
	if len(problems) == 0 {
		return true
	}

	return assert.Fail(t, fmt.Sprintf("%s\n\nActual state:\n%s", strings.Join(problems, "\n\n"), KVsToString(actual)))
}

func (c assertConfig) filter(kvs []KV) []KV {
	if len(c.ignoredKeyPatterns) == 0 {
		return kvs
	}
	out := kvs[:0:0]
	for _, kv := range kvs {
		if !c.ignored(kv.Key) {
			out = append(out, kv)
		}
	}
	return out
}

func (c assertConfig) ignored(key string) bool {
	for _, pattern := range c.ignoredKeyPatterns {
		if regexpcache.MustCompile(pattern).MatchString(key) {
			return true
		}
	}
	return false
}

// matchKey returns index of the first unused actual KV with a matching key, or -1.
func matchKey(expected KV, actual []KV, used []bool) int {
	for i, kv := range actual {
		if !used[i] && wildcards.Compare(expected.Key, kv.Key) == nil {
			return i
		}
	}
	return -1
}

func compareKV(expected, actual KV, checkLease bool) (problems []string) {
	if err := wildcards.Compare(expected.Value, actual.Value); err != nil {
		problems = append(problems, fmt.Sprintf("Value of the key \"%s\" doesn't match:\n%s", actual.Key, err))
	}
	if checkLease {
		switch {
		case expected.Lease != 0 && actual.Lease == 0:
			problems = append(problems, fmt.Sprintf(`The key "%s" should have a lease.`, actual.Key))
		case expected.Lease == 0 && actual.Lease != 0:
			problems = append(problems, fmt.Sprintf(`The key "%s" should not have a lease.`, actual.Key))
		}
	}
	return problems
}
