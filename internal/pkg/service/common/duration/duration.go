// Package duration provides time.Duration encoded as a human-readable string, for example "1m30s".
// Decoders also accept a number of milliseconds.
package duration

import (
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/keboola/keboola-shardjob/internal/pkg/utils/errors"
)

type Duration time.Duration

func From(d time.Duration) Duration {
	return Duration(d)
}

func (v Duration) Duration() time.Duration {
	return time.Duration(v)
}

func (v Duration) String() string {
	return time.Duration(v).String()
}

func (v Duration) MarshalText() ([]byte, error) {
	return []byte(v.String()), nil
}

func (v *Duration) UnmarshalText(text []byte) error {
	return v.parse(string(text), false)
}

func (v Duration) MarshalJSON() ([]byte, error) {
	return []byte(strconv.Quote(v.String())), nil
}

func (v *Duration) UnmarshalJSON(b []byte) error {
	if str, err := strconv.Unquote(string(b)); err == nil {
		return v.parse(str, false)
	}
	return v.parse(string(b), true)
}

func (v Duration) MarshalYAML() (any, error) {
	return v.String(), nil
}

func (v *Duration) UnmarshalYAML(n *yaml.Node) error {
	if n.Kind != yaml.ScalarNode {
		return errors.Errorf(`line %d: duration must be a scalar`, n.Line)
	}
	return v.parse(n.Value, n.Tag == "!!int")
}

// parse decodes a duration string, or milliseconds if the value is numeric.
func (v *Duration) parse(str string, numeric bool) error {
	str = strings.TrimSpace(str)
	if numeric {
		ms, err := strconv.ParseInt(str, 10, 64)
		if err != nil {
			return errors.Errorf(`invalid duration "%s", expected milliseconds`, str)
		}
		*v = Duration(time.Duration(ms) * time.Millisecond)
		return nil
	}

	d, err := time.ParseDuration(str)
	if err != nil {
		return errors.Errorf(`invalid duration "%s", expected for example "1m30s"`, str)
	}
	*v = Duration(d)
	return nil
}
