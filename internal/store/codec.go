package store

import (
	"encoding/json"
	"fmt"
)

// Chunk arrays are stored as JSON so holes survive as null.

func encodeChunks(chunks []string) (any, error) {
	if chunks == nil {
		return nil, nil
	}
	b, err := json.Marshal(chunks)
	if err != nil {
		return nil, fmt.Errorf("encode chunks: %w", err)
	}
	return string(b), nil
}

func encodeTranslated(chunks []*string) (any, error) {
	if chunks == nil {
		return nil, nil
	}
	b, err := json.Marshal(chunks)
	if err != nil {
		return nil, fmt.Errorf("encode translated chunks: %w", err)
	}
	return string(b), nil
}

func decodeChunks(raw []byte) ([]string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var out []string
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode chunks: %w", err)
	}
	return out, nil
}

func decodeTranslated(raw []byte) ([]*string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var out []*string
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode translated chunks: %w", err)
	}
	return out, nil
}
