package main

import (
	"bytes"
	"fmt"

	atomicfile "github.com/natefinch/atomic"
	msgpack "github.com/hashicorp/go-msgpack/v2/codec"
	"gopkg.in/yaml.v3"

	"github.com/emberdb/ember"
)

// exportEntry is one flattened key/value pair, with the dotted bucket path
// it was found under.
type exportEntry struct {
	Bucket string `yaml:"bucket" codec:"bucket"`
	Key    string `yaml:"key" codec:"key"`
	Value  string `yaml:"value" codec:"value"`
}

// cmdExport dumps every key under a bucket (recursing into nested buckets)
// to a file, serialized as yaml or msgpack. The file is written atomically
// so a reader never observes a half-written export.
func (a *cli) cmdExport(args []string) error {
	if len(args) < 2 || len(args) > 3 {
		return fmt.Errorf("usage: export <bucket> <output-file> [yaml|msgpack]")
	}
	format := "yaml"
	if len(args) == 3 {
		format = args[2]
	}

	var entries []exportEntry
	err := a.db.View(func(tx *ember.Tx) error {
		b, err := resolveBucket(tx, args[0])
		if err != nil {
			return err
		}
		return collectEntries(args[0], b, &entries)
	})
	if err != nil {
		return err
	}

	var buf bytes.Buffer
	switch format {
	case "yaml":
		enc := yaml.NewEncoder(&buf)
		defer enc.Close()
		if err := enc.Encode(entries); err != nil {
			return err
		}
	case "msgpack":
		var handle msgpack.MsgpackHandle
		enc := msgpack.NewEncoder(&buf, &handle)
		if err := enc.Encode(entries); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown export format %q (want yaml or msgpack)", format)
	}

	return atomicfile.WriteFile(args[1], &buf)
}

func collectEntries(prefix string, b *ember.Bucket, out *[]exportEntry) error {
	return b.ForEach(func(key, value []byte) error {
		if value != nil {
			*out = append(*out, exportEntry{Bucket: prefix, Key: string(key), Value: string(value)})
			return nil
		}
		child := b.Bucket(key)
		if child == nil {
			return nil
		}
		return collectEntries(prefix+"."+string(key), child, out)
	})
}
