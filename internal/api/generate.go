package api

import (
	"errors"
	"iter"
	"net/http"
	"slices"

	"github.com/google/uuid"
	"github.com/labstack/echo/v5"

	"github.com/samcharles93/streamdecode/internal/decode"
	"github.com/samcharles93/streamdecode/internal/inference"
)

func (s *Server) handleGenerate(c *echo.Context) error {
	req, err := decodeJSON[GenerateRequest](c.Request().Body)
	if err != nil {
		return writeEngineError(c, err)
	}
	in, err := s.buildInputs(req)
	if err != nil {
		return writeEngineError(c, err)
	}

	ctx := c.Request().Context()
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return writeEngineError(c, err)
	}
	defer s.sem.Release(1)

	id := "gen_" + uuid.NewString()
	log := s.log.With("request_id", id)
	log.Debug("generation admitted", "rows", len(in.InputIDs), "prompt_length", len(in.InputIDs[0]), "stream", req.Stream)

	// Pull the first result before committing to a status code so request
	// and build errors still get a proper JSON error response.
	next, stop := iter.Pull2(s.engine.Generate(ctx, in))
	defer stop()
	first, err, ok := next()
	if err != nil {
		log.Warn("generation failed before first snapshot", "error", err)
		return writeEngineError(c, err)
	}
	if !ok {
		return writeError(c, http.StatusInternalServerError, "server_error", "generation produced no output", "", "")
	}

	rows := newRowTracker(s, in, first.BatchSize())
	if !req.Stream {
		st, count := first, 1
		for {
			snap, err, ok := next()
			if !ok {
				break
			}
			if err != nil {
				return writeEngineError(c, err)
			}
			st = snap
			count++
		}
		return writeJSON(c, http.StatusOK, rows.final(id, st, count, s.clock().Unix()))
	}

	sse, err := NewSSEWriter(c)
	if err != nil {
		return writeError(c, http.StatusInternalServerError, "server_error", err.Error(), "", "")
	}
	c.Response().WriteHeader(http.StatusOK)
	st, index := first, 0
	for {
		if err := sse.Send(rows.chunk(id, st, index)); err != nil {
			log.Debug("client went away", "error", err)
			return nil
		}
		index++
		snap, err, ok := next()
		if !ok {
			break
		}
		if err != nil {
			log.Warn("generation failed mid-stream", "snapshots", index, "error", err)
			_ = sse.Fail(err)
			break
		}
		st = snap
	}
	return sse.Done()
}

// buildInputs turns the request into a batch. Text prompts are encoded and
// left-padded with the engine pad id.
func (s *Server) buildInputs(req GenerateRequest) (decode.Inputs, error) {
	sources := 0
	for _, set := range []bool{req.Prompt != "", len(req.Prompts) > 0, len(req.Messages) > 0, len(req.InputIDs) > 0} {
		if set {
			sources++
		}
	}
	if sources != 1 {
		return decode.Inputs{}, newInvalidRequest("prompt", "exactly one of prompt, prompts, messages or input_ids is required")
	}
	if (req.AttentionMask != nil || req.PositionIDs != nil) && len(req.InputIDs) == 0 {
		return decode.Inputs{}, newInvalidRequest("attention_mask", "attention_mask and position_ids require input_ids")
	}

	var in decode.Inputs
	switch {
	case len(req.InputIDs) > 0:
		in = decode.Inputs{InputIDs: req.InputIDs, Mask: req.AttentionMask, Positions: req.PositionIDs}
	case len(req.Messages) > 0:
		ids, err := s.engine.EncodeChat(req.Messages)
		if err != nil {
			return decode.Inputs{}, tokenizeError("messages", err)
		}
		if in, err = decode.LeftPad([][]int{ids}, s.engine.Config().Pad()); err != nil {
			return decode.Inputs{}, err
		}
	default:
		prompts := req.Prompts
		if req.Prompt != "" {
			prompts = []string{req.Prompt}
		}
		rows := make([][]int, len(prompts))
		for i, p := range prompts {
			ids, err := s.engine.Encode(p)
			if err != nil {
				return decode.Inputs{}, tokenizeError("prompt", err)
			}
			rows[i] = ids
		}
		var err error
		if in, err = decode.LeftPad(rows, s.engine.Config().Pad()); err != nil {
			return decode.Inputs{}, err
		}
	}

	if len(in.InputIDs) > s.maxBatch {
		return decode.Inputs{}, newInvalidRequest("prompts", "batch exceeds the server limit")
	}
	if _, err := in.Shape(); err != nil {
		return decode.Inputs{}, err
	}
	in.Seed = req.Seed
	return in, nil
}

// tokenizeError reports a missing tokenizer as a request problem: the
// caller can still send input_ids.
func tokenizeError(param string, err error) error {
	if errors.Is(err, inference.ErrNoTokenizer) {
		return newInvalidRequest(param, param+" requires a tokenizer; send input_ids instead")
	}
	return err
}

// rowTracker turns snapshots into per-row outputs and remembers what each
// row has already streamed.
type rowTracker struct {
	s       *Server
	cfg     decode.Config
	prompt  int
	sent    []int
	sentTxt []int
}

func newRowTracker(s *Server, in decode.Inputs, batch int) *rowTracker {
	prompt := 0
	for i, row := range in.InputIDs {
		if in.Mask == nil {
			prompt += len(row)
			continue
		}
		for _, m := range in.Mask[i] {
			prompt += m
		}
	}
	return &rowTracker{
		s:       s,
		cfg:     s.engine.Config(),
		prompt:  prompt,
		sent:    make([]int, batch),
		sentTxt: make([]int, batch),
	}
}

// output returns the tokens row produced, cut before its stop token.
func (r *rowTracker) output(st decode.State, row int) ([]int, string) {
	gen := st.Generated(row)
	if i := slices.IndexFunc(gen, r.cfg.IsStop); i >= 0 {
		return gen[:i], "stop"
	}
	return gen, "length"
}

func (r *rowTracker) text(ids []int) string {
	text, ok, err := r.s.engine.Decode(ids)
	if !ok || err != nil {
		return ""
	}
	return text
}

func (r *rowTracker) chunk(id string, st decode.State, index int) SnapshotChunk {
	done := st.Done()
	out := SnapshotChunk{
		ID:              id,
		Object:          "generation.chunk",
		Model:           r.s.engine.Name(),
		Index:           index,
		CurrentLength:   st.CurrentLength,
		GeneratedTokens: st.GeneratedTokens,
		Rows:            make([]RowDelta, st.BatchSize()),
		Done:            done,
	}
	for i := range out.Rows {
		toks, reason := r.output(st, i)
		text := r.text(toks)
		d := RowDelta{
			Index:    i,
			Tokens:   slices.Clone(toks[r.sent[i]:]),
			Finished: st.Finished[i],
		}
		if len(text) >= r.sentTxt[i] {
			d.Text = text[r.sentTxt[i]:]
		}
		if st.Finished[i] || done {
			d.FinishReason = reason
		}
		r.sent[i] = len(toks)
		r.sentTxt[i] = len(text)
		out.Rows[i] = d
	}
	return out
}

func (r *rowTracker) final(id string, st decode.State, snapshots int, created int64) GenerateResponse {
	resp := GenerateResponse{
		ID:        id,
		Object:    "generation",
		Created:   created,
		Model:     r.s.engine.Name(),
		Rows:      make([]GeneratedRow, st.BatchSize()),
		Snapshots: snapshots,
	}
	completion := 0
	for i := range resp.Rows {
		toks, reason := r.output(st, i)
		completion += len(toks)
		resp.Rows[i] = GeneratedRow{
			Index:        i,
			Tokens:       toks,
			Text:         r.text(toks),
			FinishReason: reason,
		}
	}
	resp.Usage = Usage{
		PromptTokens:     r.prompt,
		CompletionTokens: completion,
		TotalTokens:      r.prompt + completion,
	}
	return resp
}
