package main

import (
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// httpCmd fetches a loopback admin endpoint from a running server.
func httpCmd(name, path string, args []string) {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	baseURL := fs.String("url", "http://127.0.0.1:8080", "server base url")
	building := fs.Int("building", -1, "building filter (history)")
	limit := fs.Int("limit", 0, "result limit")
	_ = fs.Parse(args)

	q := url.Values{}
	if *building >= 0 {
		q.Set("building", strconv.Itoa(*building))
	}
	if *limit > 0 {
		q.Set("limit", strconv.Itoa(*limit))
	}
	u := strings.TrimRight(strings.TrimSpace(*baseURL), "/") + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	cl := &http.Client{Timeout: 5 * time.Second}
	resp, err := cl.Get(u)
	if err != nil {
		fmt.Fprintln(os.Stderr, "request:", err)
		os.Exit(1)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	fmt.Println(string(b))
	if resp.StatusCode/100 != 2 {
		os.Exit(1)
	}
}
