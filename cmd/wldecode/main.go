package main

import (
	"bufio"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/waterlogged/waterlogged/payload"
)

var (
	legacy = flag.Bool("legacy", false, "Print the flat legacy record instead of data/warnings")
	fport  = flag.Int("fport", 1, "The fport reported with the legacy record")
)

// decodes hex payloads given as arguments, or one per line on stdin
func main() {
	flag.Parse()

	enc := json.NewEncoder(os.Stdout)

	decode := func(s string) {
		s = strings.TrimSpace(s)
		if s == "" {
			return
		}
		b, err := hex.DecodeString(strings.ReplaceAll(s, " ", ""))
		if err != nil {
			fmt.Fprintln(os.Stderr, "invalid hex payload:", s)
			return
		}
		if *legacy {
			_ = enc.Encode(payload.DecodeLegacy(b, *fport))
			return
		}
		_ = enc.Encode(payload.Decode(b))
	}

	if flag.NArg() > 0 {
		for _, a := range flag.Args() {
			decode(a)
		}
		return
	}

	sc := bufio.NewScanner(os.Stdin)
	for sc.Scan() {
		decode(sc.Text())
	}
	if err := sc.Err(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
