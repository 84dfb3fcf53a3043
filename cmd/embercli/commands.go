package main

import (
	"fmt"
	"io"
	"strconv"

	"github.com/fatih/color"
	"github.com/hashicorp/go-hclog"

	"github.com/emberdb/ember"
)

// cli holds the state shared by one-shot command dispatch and the
// interactive shell: the open database, the color-aware output stream, and
// a logger for anything worth surfacing outside the command's own result.
type cli struct {
	db     *ember.DB
	out    io.Writer
	logger hclog.Logger
}

func (a *cli) dispatch(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("no command given")
	}

	cmd, rest := args[0], args[1:]
	switch cmd {
	case "get":
		return a.cmdGet(rest)
	case "put":
		return a.cmdPut(rest)
	case "delete":
		return a.cmdDelete(rest)
	case "buckets":
		return a.cmdBuckets(rest)
	case "create-bucket":
		return a.cmdCreateBucket(rest)
	case "delete-bucket":
		return a.cmdDeleteBucket(rest)
	case "stats":
		return a.cmdStats(rest)
	case "export":
		return a.cmdExport(rest)
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

// resolveBucket walks a dotted bucket path ("a.b.c") from the root,
// creating nothing; it returns an error naming the first missing segment.
func resolveBucket(tx *ember.Tx, path string) (*ember.Bucket, error) {
	if path == "" {
		return nil, fmt.Errorf("bucket path required")
	}
	segments := splitPath(path)
	b := tx.Bucket([]byte(segments[0]))
	if b == nil {
		return nil, fmt.Errorf("bucket %q not found", segments[0])
	}
	for _, seg := range segments[1:] {
		b = b.Bucket([]byte(seg))
		if b == nil {
			return nil, fmt.Errorf("bucket %q not found", seg)
		}
	}
	return b, nil
}

func splitPath(path string) []string {
	var out []string
	start := 0
	for i := 0; i < len(path); i++ {
		if path[i] == '.' {
			out = append(out, path[start:i])
			start = i + 1
		}
	}
	out = append(out, path[start:])
	return out
}

func (a *cli) cmdGet(args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("usage: get <bucket> <key>")
	}
	return a.db.View(func(tx *ember.Tx) error {
		b, err := resolveBucket(tx, args[0])
		if err != nil {
			return err
		}
		v := b.Get([]byte(args[1]))
		if v == nil {
			fmt.Fprintln(a.out, color.YellowString("(not found)"))
			return nil
		}
		fmt.Fprintln(a.out, string(v))
		return nil
	})
}

func (a *cli) cmdPut(args []string) error {
	if len(args) != 3 {
		return fmt.Errorf("usage: put <bucket> <key> <value>")
	}
	return a.db.Update(func(tx *ember.Tx) error {
		b, err := resolveBucket(tx, args[0])
		if err != nil {
			return err
		}
		return b.Put([]byte(args[1]), []byte(args[2]))
	})
}

func (a *cli) cmdDelete(args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("usage: delete <bucket> <key>")
	}
	return a.db.Update(func(tx *ember.Tx) error {
		b, err := resolveBucket(tx, args[0])
		if err != nil {
			return err
		}
		return b.Delete([]byte(args[1]))
	})
}

func (a *cli) cmdBuckets(args []string) error {
	parent := ""
	if len(args) == 1 {
		parent = args[0]
	} else if len(args) > 1 {
		return fmt.Errorf("usage: buckets [parent-bucket]")
	}

	return a.db.View(func(tx *ember.Tx) error {
		if parent == "" {
			return tx.ForEach(func(name []byte, _ *ember.Bucket) error {
				fmt.Fprintln(a.out, string(name))
				return nil
			})
		}
		b, err := resolveBucket(tx, parent)
		if err != nil {
			return err
		}
		return b.ForEach(func(key, value []byte) error {
			if value == nil {
				fmt.Fprintln(a.out, color.CyanString(string(key))+"/")
			}
			return nil
		})
	})
}

func (a *cli) cmdCreateBucket(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: create-bucket <bucket>")
	}
	return a.db.Update(func(tx *ember.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(args[0]))
		return err
	})
}

func (a *cli) cmdDeleteBucket(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: delete-bucket <bucket>")
	}
	return a.db.Update(func(tx *ember.Tx) error {
		return tx.DeleteBucket([]byte(args[0]))
	})
}

func (a *cli) cmdStats(args []string) error {
	return a.db.View(func(tx *ember.Tx) error {
		s := tx.Stats()
		fmt.Fprintf(a.out, "page_count:    %s\n", color.GreenString(strconv.FormatInt(s.PageCount(), 10)))
		fmt.Fprintf(a.out, "page_alloc:    %d bytes\n", s.PageAlloc())
		fmt.Fprintf(a.out, "cursor_count:  %d\n", s.CursorCount())
		fmt.Fprintf(a.out, "node_count:    %d\n", s.NodeCount())
		fmt.Fprintf(a.out, "rebalance:     %d\n", s.Rebalance())
		fmt.Fprintf(a.out, "split:         %d\n", s.Split())
		fmt.Fprintf(a.out, "spill:         %d\n", s.Spill())
		return nil
	})
}
