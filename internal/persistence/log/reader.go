package log

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/klauspost/compress/zstd"

	"towerwars.ai/internal/sim/arena"
)

// ListFiles returns the prefix-*.jsonl.zst files in dir in rotation order.
func ListFiles(dir, prefix string) ([]string, error) {
	ents, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(ents))
	for _, e := range ents {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasPrefix(name, prefix+"-") && strings.HasSuffix(name, ".jsonl.zst") {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	out := make([]string, 0, len(names))
	for _, name := range names {
		out = append(out, filepath.Join(dir, name))
	}
	return out, nil
}

// ReadJSONL calls fn for every line of a zstd-compressed JSONL file.
func ReadJSONL(path string, fn func(line []byte) error) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return err
	}
	defer dec.Close()

	sc := bufio.NewScanner(dec)
	sc.Buffer(make([]byte, 64*1024), 8*1024*1024)
	for sc.Scan() {
		if err := fn(sc.Bytes()); err != nil {
			return fmt.Errorf("%s: %w", filepath.Base(path), err)
		}
	}
	return sc.Err()
}

// ReadTicks streams every tick entry under arenaDir/ticks in order.
func ReadTicks(arenaDir string, fn func(arena.TickLogEntry) error) error {
	files, err := ListFiles(filepath.Join(arenaDir, "ticks"), "ticks")
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return fmt.Errorf("no tick logs under %s", arenaDir)
	}
	for _, path := range files {
		err := ReadJSONL(path, func(line []byte) error {
			var entry arena.TickLogEntry
			if err := json.Unmarshal(line, &entry); err != nil {
				return fmt.Errorf("unmarshal: %w", err)
			}
			return fn(entry)
		})
		if err != nil {
			return err
		}
	}
	return nil
}
