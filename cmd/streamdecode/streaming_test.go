package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/samcharles93/streamdecode/internal/decode"
)

type byteDecoder struct{}

func (byteDecoder) Config() decode.Config {
	return decode.Config{EOSTokenIDs: []int{0}, PadTokenID: decode.IntPtr(0)}
}

func (byteDecoder) Decode(ids []int) (string, bool, error) {
	b := make([]byte, len(ids))
	for i, id := range ids {
		b[i] = byte(id)
	}
	return string(b), true, nil
}

func snapshot(prompt int, rows ...string) decode.State {
	st := decode.State{PromptLength: prompt, Finished: make([]bool, len(rows))}
	for i, r := range rows {
		seq := make([]int, prompt, prompt+len(r))
		for _, c := range []byte(r) {
			seq = append(seq, int(c))
		}
		st.Sequences = append(st.Sequences, seq)
		st.CurrentLength = len(seq)
		st.Finished[i] = strings.HasSuffix(r, "\x00")
	}
	return st
}

func TestSnapshotWriterTextStreamsDeltas(t *testing.T) {
	var buf bytes.Buffer
	w := NewSnapshotWriter(&buf, OutputText, byteDecoder{})
	for _, s := range []decode.State{snapshot(1, "he"), snapshot(1, "hell"), snapshot(1, "hello\x00")} {
		if err := w.Write(s); err != nil {
			t.Fatalf("Write() error = %v", err)
		}
	}
	if err := w.Close(snapshot(1, "hello\x00")); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if got := buf.String(); got != "hello\n" {
		t.Fatalf("output = %q", got)
	}
}

func TestSnapshotWriterBatchAndQuiet(t *testing.T) {
	var buf bytes.Buffer
	w := NewSnapshotWriter(&buf, OutputText, byteDecoder{})
	if err := w.Write(snapshot(2, "ab", "cd")); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if got := buf.String(); got != "[0] \"ab\"\n[1] \"cd\"\n" {
		t.Fatalf("output = %q", got)
	}

	buf.Reset()
	q := NewSnapshotWriter(&buf, OutputQuiet, byteDecoder{})
	last := snapshot(2, "ab\x00", "cd\x00")
	if err := q.Write(last); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if buf.Len() != 0 {
		t.Fatalf("quiet mode wrote before Close: %q", buf.String())
	}
	if err := q.Close(last); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if got := buf.String(); got != "[0] ab\n[1] cd\n" {
		t.Fatalf("output = %q", got)
	}
}

func TestSnapshotWriterJSON(t *testing.T) {
	var buf bytes.Buffer
	w := NewSnapshotWriter(&buf, OutputJSON, byteDecoder{})
	if err := w.Write(snapshot(1, "hi\x00")); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	got := buf.String()
	if !strings.Contains(got, `"text":["hi"]`) || !strings.Contains(got, `"finished":[true]`) || !strings.HasSuffix(got, "\n") {
		t.Fatalf("unexpected line %q", got)
	}
}

func TestParseOutputMode(t *testing.T) {
	for in, want := range map[string]OutputMode{"": OutputText, "JSON": OutputJSON, " quiet ": OutputQuiet} {
		got, err := ParseOutputMode(in)
		if err != nil || got != want {
			t.Fatalf("ParseOutputMode(%q) = %q, %v", in, got, err)
		}
	}
	if _, err := ParseOutputMode("smooth"); err == nil {
		t.Fatal("expected error for unknown mode")
	}
}
