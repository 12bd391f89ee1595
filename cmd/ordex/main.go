// Command ordex inspects and edits an index stored in a page file.
//
//	ordex -file idx.db init
//	ordex -file idx.db put 42 1000
//	ordex -file idx.db get 42
//	ordex -file idx.db -type string -keysize 16 scan
package main

import (
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/sirupsen/logrus"
	"go.uber.org/zap"

	"github.com/alexhholmes/ordex"
	"github.com/alexhholmes/ordex/internal/storage"
	"github.com/alexhholmes/ordex/logger"
	"github.com/alexhholmes/ordex/pagestore"
)

const usage = `usage: ordex [flags] <command> [args]

commands:
  init               format an empty index
  put KEY VALUE      insert or replace KEY
  get KEY            print the value stored for KEY
  del KEY            remove KEY
  scan [START]       print keys >= START in order
  check              verify the tree and print its shape
  dump               print every page
  clear              remove every key

flags:
`

type config struct {
	file     string
	keyType  string
	keySize  int
	root     uint64
	pageSize int
	log      string
}

func main() {
	var cfg config
	fs := flag.NewFlagSet("ordex", flag.ExitOnError)
	fs.StringVar(&cfg.file, "file", "ordex.db", "store file")
	fs.StringVar(&cfg.keyType, "type", "uint64", "key type: uint64, int64, string or bytes")
	fs.IntVar(&cfg.keySize, "keysize", 8, "key size in bytes for string and bytes keys")
	fs.Uint64Var(&cfg.root, "root", 1, "root page address")
	fs.IntVar(&cfg.pageSize, "page", storage.DefaultPageSize, "page size used by init")
	fs.StringVar(&cfg.log, "log", "none", "logger: zap, logrus or none")
	fs.Usage = func() {
		fmt.Fprint(fs.Output(), usage)
		fs.PrintDefaults()
	}
	_ = fs.Parse(os.Args[1:])

	if fs.NArg() == 0 {
		fs.Usage()
		os.Exit(2)
	}
	if err := run(cfg, fs.Args(), os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, "ordex:", err)
		os.Exit(1)
	}
}

func run(cfg config, args []string, out io.Writer) (err error) {
	cmp, keySize, err := comparator(cfg)
	if err != nil {
		return err
	}
	log, flush, err := newLogger(cfg.log)
	if err != nil {
		return err
	}
	defer flush()

	cmd, args := args[0], args[1:]
	var opts []storage.FileOption
	if cmd == "init" {
		opts = append(opts, storage.WithPageSize(cfg.pageSize))
	}
	store, err := storage.OpenFile(cfg.file, opts...)
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, store.Close())
	}()

	root := pagestore.Addr(cfg.root)
	if cmd == "init" {
		if store.NumPages() > 1 {
			return fmt.Errorf("%s already holds pages", cfg.file)
		}
		ix, err := ordex.Create(store, keySize, cmp, ordex.WithLogger(log))
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "root %d, %d tuples per page\n", ix.Root(), ix.MaxTuples())
		return nil
	}

	ix, err := ordex.New(store, root, keySize, cmp, ordex.WithLogger(log))
	if err != nil {
		return err
	}

	key := func(i int) ([]byte, error) {
		if len(args) <= i {
			return nil, fmt.Errorf("%s: missing key", cmd)
		}
		return parseKey(cfg.keyType, keySize, args[i])
	}

	switch cmd {
	case "put":
		k, err := key(0)
		if err != nil {
			return err
		}
		if len(args) < 2 {
			return errors.New("put: missing value")
		}
		v, err := strconv.ParseUint(args[1], 10, 64)
		if err != nil {
			return fmt.Errorf("put: %w", err)
		}
		return ix.Insert(k, v)
	case "get":
		k, err := key(0)
		if err != nil {
			return err
		}
		v, err := ix.Lookup(k)
		if err != nil {
			return err
		}
		if v == ordex.NotFound {
			return fmt.Errorf("get: %s not found", args[0])
		}
		fmt.Fprintln(out, v)
		return nil
	case "del":
		k, err := key(0)
		if err != nil {
			return err
		}
		return ix.Remove(k)
	case "scan":
		var start []byte
		if len(args) > 0 {
			if start, err = key(0); err != nil {
				return err
			}
		}
		return ix.Scan(start, func(k []byte, v uint64) bool {
			fmt.Fprintf(out, "%s\t%d\n", cmp.Format(k), v)
			return true
		})
	case "check":
		st, err := ix.Check()
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "height %d, pages %d, leaves %d, keys %d\n", st.Height, st.Pages, st.Leaves, st.Keys)
		return nil
	case "dump":
		return ix.Dump(out)
	case "clear":
		return ix.Clear()
	}
	return fmt.Errorf("unknown command %q", cmd)
}

func comparator(cfg config) (ordex.KeyComparator, int, error) {
	switch cfg.keyType {
	case "uint64":
		return ordex.Uint64{}, 8, nil
	case "int64":
		return ordex.Int64{}, 8, nil
	case "string":
		return ordex.String{}, cfg.keySize, nil
	case "bytes":
		return ordex.Bytes{}, cfg.keySize, nil
	}
	return nil, 0, fmt.Errorf("unknown key type %q", cfg.keyType)
}

// parseKey encodes s as a key of the given type. String keys are padded
// with NUL bytes to size.
func parseKey(keyType string, size int, s string) ([]byte, error) {
	switch keyType {
	case "uint64":
		v, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			return nil, err
		}
		return ordex.U64(v), nil
	case "int64":
		v, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, err
		}
		return ordex.I64(v), nil
	case "string":
		if len(s) > size {
			return nil, fmt.Errorf("key %q longer than %d bytes", s, size)
		}
		k := make([]byte, size)
		copy(k, s)
		return k, nil
	case "bytes":
		k, err := hex.DecodeString(s)
		if err != nil {
			return nil, err
		}
		if len(k) != size {
			return nil, fmt.Errorf("key %s is %d bytes, want %d", s, len(k), size)
		}
		return k, nil
	}
	return nil, fmt.Errorf("unknown key type %q", keyType)
}

func newLogger(name string) (ordex.Logger, func(), error) {
	switch name {
	case "none", "":
		return ordex.DiscardLogger{}, func() {}, nil
	case "zap":
		z, err := zap.NewDevelopment()
		if err != nil {
			return nil, nil, err
		}
		return logger.NewZap(z), func() { _ = z.Sync() }, nil
	case "logrus":
		l := logrus.New()
		l.SetOutput(os.Stderr)
		return logger.NewLogrus(l), func() {}, nil
	}
	return nil, nil, fmt.Errorf("unknown logger %q", name)
}
