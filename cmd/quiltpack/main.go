package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/quiltvcs/quilt"
	"github.com/quiltvcs/quilt/pkg/types"
)

func usage() {
	fmt.Println("Usage: quiltpack [-config file.yaml] <command> [arguments]")
	fmt.Println("Commands:")
	fmt.Println("  add <file> [parent-key ...]   store a file version")
	fmt.Println("  get <key> [output-file]       retrieve a version")
	fmt.Println("  import <file> [file ...]      store files as one chain of versions")
	os.Exit(1)
}

func main() {
	args := os.Args[1:]

	var conf quilt.Config
	if len(args) >= 2 && args[0] == "-config" {
		var err error
		conf, err = quilt.FromFile(args[1])
		if err != nil {
			fatal(err)
		}
		args = args[2:]
	} else {
		conf = quilt.Config{Path: dataDir()}
	}
	if len(args) < 1 {
		usage()
	}

	store, err := quilt.New(conf)
	if err != nil {
		fatal(err)
	}

	switch args[0] {
	case "add":
		if len(args) < 2 {
			usage()
		}
		receipt, err := addFile(store, args[1], parseKeys(args[2:]))
		if err != nil {
			fatal(err)
		}
		fmt.Printf("stored %s sha1=%s len=%d\n", receipt.Key, receipt.SHA1, receipt.Length)
	case "get":
		if len(args) < 2 {
			usage()
		}
		lines, err := store.Get(parseKey(args[1]))
		if err != nil {
			fatal(err)
		}
		out := os.Stdout
		if len(args) > 2 {
			f, err := os.Create(args[2])
			if err != nil {
				fatal(err)
			}
			defer f.Close()
			out = f
		}
		for _, line := range lines {
			out.Write(line)
		}
	case "import":
		if len(args) < 2 {
			usage()
		}
		var parents []quilt.Key
		for _, path := range args[1:] {
			receipt, err := addFile(store, path, parents)
			if err != nil {
				fatal(err)
			}
			fmt.Printf("stored %s sha1=%s len=%d\n", receipt.Key, receipt.SHA1, receipt.Length)
			parents = []quilt.Key{receipt.Key}
		}
	default:
		usage()
	}

	if err := store.Close(); err != nil {
		fatal(err)
	}
}

// addFile stores one file under a content-addressed key named after its
// base name.
func addFile(store quilt.TextStore, path string, parents []quilt.Key) (quilt.Receipt, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return quilt.Receipt{}, err
	}
	key := quilt.Key{filepath.Base(path), ""}
	return store.Add(key, parents, types.SplitLines(data))
}

// parseKey reads a key in the colon-joined form printed by add. A
// trailing "sha1:<hex>" pair is one element, not two.
func parseKey(arg string) quilt.Key {
	parts := strings.Split(arg, ":")
	if n := len(parts); n >= 2 && parts[n-2] == "sha1" {
		parts = append(parts[:n-2], "sha1:"+parts[n-1])
	}
	return quilt.Key(parts)
}

func parseKeys(args []string) []quilt.Key {
	keys := make([]quilt.Key, 0, len(args))
	for _, arg := range args {
		keys = append(keys, parseKey(arg))
	}
	return keys
}

func dataDir() string {
	if dir := os.Getenv("QUILT_DATA"); dir != "" {
		return dir
	}
	return "quilt-data"
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}
