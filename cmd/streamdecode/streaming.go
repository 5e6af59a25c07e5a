package main

import (
	"bufio"
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/goccy/go-json"

	"github.com/samcharles93/streamdecode/internal/decode"
)

type OutputMode string

const (
	OutputText  OutputMode = "text"
	OutputJSON  OutputMode = "json"
	OutputQuiet OutputMode = "quiet"
)

func ParseOutputMode(s string) (OutputMode, error) {
	switch m := OutputMode(strings.ToLower(strings.TrimSpace(s))); m {
	case OutputText, OutputJSON, OutputQuiet:
		return m, nil
	case "":
		return OutputText, nil
	default:
		return "", fmt.Errorf("unknown output mode %q (want text, json or quiet)", s)
	}
}

type rowDecoder interface {
	Config() decode.Config
	Decode(ids []int) (string, bool, error)
}

// SnapshotWriter prints generation snapshots as they arrive.
type SnapshotWriter struct {
	mode OutputMode
	out  *bufio.Writer
	dec  rowDecoder

	// Bytes of decoded text already printed per row.
	printed []int
}

func NewSnapshotWriter(w io.Writer, mode OutputMode, dec rowDecoder) *SnapshotWriter {
	return &SnapshotWriter{
		mode: mode,
		out:  bufio.NewWriterSize(w, 4096),
		dec:  dec,
	}
}

type snapshotLine struct {
	CurrentLength   int      `json:"current_length"`
	GeneratedTokens int      `json:"generated_tokens"`
	Finished        []bool   `json:"finished"`
	Rows            [][]int  `json:"rows"`
	Text            []string `json:"text"`
}

// Write handles one snapshot.
func (w *SnapshotWriter) Write(st decode.State) error {
	if w.printed == nil {
		w.printed = make([]int, st.BatchSize())
	}
	switch w.mode {
	case OutputJSON:
		line := snapshotLine{
			CurrentLength:   st.CurrentLength,
			GeneratedTokens: st.GeneratedTokens,
			Finished:        st.Finished,
			Rows:            make([][]int, st.BatchSize()),
			Text:            make([]string, st.BatchSize()),
		}
		for i := range line.Rows {
			line.Rows[i] = w.output(st, i)
			line.Text[i] = w.text(line.Rows[i])
		}
		b, err := json.Marshal(line)
		if err != nil {
			return err
		}
		if _, err := w.out.Write(append(b, '\n')); err != nil {
			return err
		}
	case OutputText:
		for i := range st.BatchSize() {
			text := w.text(w.output(st, i))
			if len(text) <= w.printed[i] {
				continue
			}
			delta := text[w.printed[i]:]
			w.printed[i] = len(text)
			if st.BatchSize() == 1 {
				if _, err := w.out.WriteString(delta); err != nil {
					return err
				}
				continue
			}
			if _, err := fmt.Fprintf(w.out, "[%d] %q\n", i, delta); err != nil {
				return err
			}
		}
	case OutputQuiet:
		return nil
	}
	return w.out.Flush()
}

// Close prints whatever the mode defers to the end and flushes.
func (w *SnapshotWriter) Close(last decode.State) error {
	switch w.mode {
	case OutputQuiet:
		for i := range last.BatchSize() {
			text := w.text(w.output(last, i))
			if last.BatchSize() == 1 {
				fmt.Fprintln(w.out, text)
				continue
			}
			fmt.Fprintf(w.out, "[%d] %s\n", i, text)
		}
	case OutputText:
		if last.BatchSize() == 1 {
			fmt.Fprintln(w.out)
		}
	}
	return w.out.Flush()
}

// output returns the tokens a row produced, cut before its stop token.
func (w *SnapshotWriter) output(st decode.State, row int) []int {
	gen := st.Generated(row)
	if i := slices.IndexFunc(gen, w.dec.Config().IsStop); i >= 0 {
		return gen[:i]
	}
	return gen
}

func (w *SnapshotWriter) text(ids []int) string {
	s, ok, err := w.dec.Decode(ids)
	if !ok || err != nil {
		return fmt.Sprint(ids)
	}
	return s
}
