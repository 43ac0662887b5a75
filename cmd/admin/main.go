package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
)

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "db":
			dbCmd(os.Args[2:])
			return
		case "state":
			httpCmd("state", "/admin/v1/state", os.Args[2:])
			return
		case "history":
			httpCmd("history", "/admin/v1/history", os.Args[2:])
			return
		case "rejections":
			httpCmd("rejections", "/admin/v1/rejections", os.Args[2:])
			return
		}
	}
	listCmd(os.Args[1:])
}

func listCmd(args []string) {
	fs := flag.NewFlagSet("admin", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	_ = fs.Parse(args)

	entries, err := os.ReadDir(filepath.Join(*dataDir, "arenas"))
	if err != nil {
		fmt.Fprintln(os.Stderr, "read:", err)
		os.Exit(1)
	}
	for _, e := range entries {
		if e.IsDir() {
			fmt.Println(e.Name())
		}
	}
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}
