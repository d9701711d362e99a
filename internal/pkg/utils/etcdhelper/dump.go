package etcdhelper

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"

	"github.com/umisama/go-regexpcache"
	etcd "go.etcd.io/etcd/client/v3"
)

type KV struct {
	Key   string
	Value string
	Lease int64
}

// DumpAll returns all KVs from the etcd namespace of the client, JSON values are indented.
func DumpAll(ctx context.Context, client etcd.KV) (out []KV, err error) {
	resp, err := client.Get(ctx, "", etcd.WithPrefix(), etcd.WithSort(etcd.SortByKey, etcd.SortAscend))
	if err != nil {
		return nil, err
	}

	for _, kv := range resp.Kvs {
		value := kv.Value
		if len(value) > 0 && (value[0] == '{' || value[0] == '[') {
			var indented bytes.Buffer
			if err := json.Indent(&indented, value, "", "  "); err == nil {
				value = indented.Bytes()
			}
		}
		out = append(out, KV{Key: string(kv.Key), Value: string(value), Lease: kv.Lease})
	}

	return out, nil
}

func DumpAllKeys(ctx context.Context, client etcd.KV) (out []string, err error) {
	resp, err := client.Get(ctx, "", etcd.WithPrefix(), etcd.WithSort(etcd.SortByKey, etcd.SortAscend), etcd.WithKeysOnly())
	if err != nil {
		return nil, err
	}
	for _, kv := range resp.Kvs {
		out = append(out, string(kv.Key))
	}
	return out, nil
}

func DumpAllToString(ctx context.Context, client etcd.KV) (string, error) {
	kvs, err := DumpAll(ctx, client)
	if err != nil {
		return "", err
	}
	return KVsToString(kvs), nil
}

func KVsToString(kvs []KV) string {
	var out strings.Builder
	for i, kv := range kvs {
		if i > 0 {
			out.WriteString("\n")
		}
		out.WriteString("<<<<<\n")
		out.WriteString(kv.Key)
		if kv.Lease != 0 {
			out.WriteString(" (lease)")
		}
		out.WriteString("\n-----\n")
		out.WriteString(kv.Value)
		out.WriteString("\n>>>>>\n")
	}
	return out.String()
}

// ParseDump parses the output of the KVsToString, the "(lease)" suffix of the key sets the Lease field to 1.
func ParseDump(dump string) (out []KV) {
	blocks := regexpcache.MustCompile(`(?s)<<<<<\n(.*?)\n-----\n(.*?)\n>>>>>`).FindAllStringSubmatch(dump, -1)
	for _, block := range blocks {
		kv := KV{Key: strings.TrimSpace(block[1]), Value: strings.TrimSpace(block[2])}
		if key, found := strings.CutSuffix(kv.Key, "(lease)"); found {
			kv.Key = strings.TrimSpace(key)
			kv.Lease = 1
		}
		out = append(out, kv)
	}
	return out
}
