package definition

import (
	"bytes"
	"context"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/keboola/keboola-shardjob/internal/pkg/utils/errors"
)

// File is the YAML document with job definitions.
//
//	jobs:
//	  - jobName: my-job
//	    schedule: "@every 10s"
//	    shardingTotalCount: 3
type File struct {
	Jobs []JobConfiguration `yaml:"jobs"`
}

// ReadFile loads, normalizes and validates job definitions from the YAML file.
func ReadFile(ctx context.Context, path string) ([]JobConfiguration, error) {
	f, err := os.Open(path) // nolint: gosec
	if err != nil {
		return nil, errors.PrefixErrorf(err, `cannot open job definitions "%s"`, path)
	}
	defer f.Close()

	jobs, err := Read(ctx, f)
	if err != nil {
		return nil, errors.PrefixErrorf(err, `invalid job definitions "%s"`, path)
	}
	return jobs, nil
}

// Read decodes job definitions, omitted fields get values from New.
func Read(ctx context.Context, r io.Reader) ([]JobConfiguration, error) {
	var raw struct {
		Jobs []yaml.Node `yaml:"jobs"`
	}
	decoder := yaml.NewDecoder(r)
	decoder.KnownFields(true)
	if err := decoder.Decode(&raw); err != nil {
		return nil, err
	}

	errs := errors.NewMultiError()
	file := File{Jobs: make([]JobConfiguration, len(raw.Jobs))}
	for i := range raw.Jobs {
		file.Jobs[i] = New("", "", 0)
		if err := decodeStrict(&raw.Jobs[i], &file.Jobs[i]); err != nil {
			errs.AppendWithPrefixf(err, `job[%d]`, i)
		}
	}
	if err := errs.ErrorOrNil(); err != nil {
		return nil, err
	}

	names := make(map[string]bool)
	for i := range file.Jobs {
		job := &file.Jobs[i]
		job.Normalize()
		if err := job.Validate(ctx); err != nil {
			errs.AppendWithPrefixf(err, `job[%d]`, i)
			continue
		}
		if names[job.JobName] {
			errs.Append(errors.Errorf(`job[%d]: duplicate job name "%s"`, i, job.JobName))
		}
		names[job.JobName] = true
	}

	if err := errs.ErrorOrNil(); err != nil {
		return nil, err
	}
	return file.Jobs, nil
}

// decodeStrict decodes the node into the pre-filled value, unknown fields are rejected.
// Node.Decode doesn't support KnownFields, so the node is encoded back first.
func decodeStrict(node *yaml.Node, v any) error {
	var buf bytes.Buffer
	if err := yaml.NewEncoder(&buf).Encode(node); err != nil {
		return err
	}
	decoder := yaml.NewDecoder(&buf)
	decoder.KnownFields(true)
	return decoder.Decode(v)
}
