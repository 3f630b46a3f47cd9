// Package jsonl provides a line-delimited JSON reader used to decode
// batches of event envelopes exchanged with a remote sync transport.
package jsonl

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
)

// maxLineBytes bounds a single JSONL record; event envelopes carry
// ciphertext payloads that can be large but are never unbounded.
const maxLineBytes = 64 * 1024 * 1024

// ReadRecordsFromFile reads a JSONL file and unmarshals each non-blank
// line into a fresh *T, returning the records in file order.
func ReadRecordsFromFile[T any](path string) ([]*T, error) {
	// #nosec G304 - controlled path from caller
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open jsonl file: %w", err)
	}
	defer func() {
		if cerr := file.Close(); cerr != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to close jsonl file: %v\n", cerr)
		}
	}()

	return readRecords[T](file)
}

// ReadRecordsFromData unmarshals JSONL held in memory, one *T per
// non-blank line.
func ReadRecordsFromData[T any](data []byte) ([]*T, error) {
	return readRecords[T](bytes.NewReader(data))
}

func readRecords[T any](r io.Reader) ([]*T, error) {
	var records []*T
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 1024*1024), maxLineBytes)

	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}

		var record T
		if err := json.Unmarshal(line, &record); err != nil {
			return nil, fmt.Errorf("parse record at line %d: %w", lineNum, err)
		}
		records = append(records, &record)
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan jsonl: %w", err)
	}

	return records, nil
}

// WriteRecords appends each record to w as one JSON object per line.
func WriteRecords[T any](w io.Writer, records []*T) error {
	enc := json.NewEncoder(w)
	for _, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return fmt.Errorf("encode record: %w", err)
		}
	}
	return nil
}
