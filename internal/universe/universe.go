// Package universe loads the scan universe from a plain text file: one symbol
// per line, blank lines and # comments ignored.
package universe

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"moverbot-go/internal/market"
)

// Load reads and canonicalizes the symbol list, de-duplicating in order.
func Load(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open universe: %w", err)
	}
	defer f.Close()

	seen := make(map[string]struct{})
	out := make([]string, 0, 64)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		sym := market.CanonSymbol(line)
		if sym == "" {
			continue
		}
		if _, ok := seen[sym]; ok {
			continue
		}
		seen[sym] = struct{}{}
		out = append(out, sym)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read universe: %w", err)
	}
	return out, nil
}
