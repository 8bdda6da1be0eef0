package main

import (
	"fmt"
	"strconv"
	"strings"
)

// parseEmbedding turns a comma-separated --embedding flag value into a
// []float32. A single flag value is the simplest operator-facing shape
// for a fixed-length vector; bankctl has no use for a richer format
// since embeddings come from whatever upstream encoder produced them.
func parseEmbedding(raw string) ([]float32, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	parts := strings.Split(raw, ",")
	out := make([]float32, len(parts))
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 32)
		if err != nil {
			return nil, fmt.Errorf("embedding component %d (%q): %w", i, p, err)
		}
		out[i] = float32(v)
	}
	return out, nil
}
