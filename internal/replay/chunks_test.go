package replay_test

import (
	"errors"
	"io"
	"testing"

	"rtsreplay.ai/internal/replay"
	"rtsreplay.ai/internal/replay/replaytest"
)

func readAll(t *testing.T, raw []byte, opts replay.ChunkReaderOptions) ([]replay.Chunk, *replay.ChunkReader, error) {
	t.Helper()
	_, cur, err := replay.Parse(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	cr := replay.NewChunkReader(cur, opts)
	var out []replay.Chunk
	for {
		ch, err := cr.Next()
		if errors.Is(err, io.EOF) {
			return out, cr, nil
		}
		if err != nil {
			return out, cr, err
		}
		out = append(out, ch)
	}
}

func TestChunkReader_TicksAndRecords(t *testing.T) {
	raw := replaytest.New(1).
		Sync(1000).
		Commands(1, replaytest.Train(83, 1), replaytest.Resign()).
		Chat("gl hf").
		Sync(500).
		Chunk(0x42, []byte{1, 2, 3}).
		Commands(2, replaytest.Research(22)).
		End().
		Sync(99999). // after the end marker; never read
		Bytes()
	chunks, cr, err := readAll(t, raw, replay.ChunkReaderOptions{})
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(chunks) != 2 {
		t.Fatalf("chunks: got %d want 2", len(chunks))
	}
	first := chunks[0]
	if first.Tick != 1000 || len(first.Commands) != 2 || first.Commands[0].Slot != 1 || first.Commands[0].Opcode != replaytest.OpTrain {
		t.Fatalf("first chunk: %+v", first)
	}
	if len(first.Commands[1].Payload) != 0 {
		t.Fatalf("resign payload should be empty")
	}
	if chunks[1].Tick != 1500 || chunks[1].Commands[0].Slot != 2 {
		t.Fatalf("second chunk: %+v", chunks[1])
	}
	st := cr.Stats()
	if st.Sync != 2 || st.Command != 2 || st.Chat != 1 || st.Unknown != 1 || st.Records != 3 || !st.SawEnd {
		t.Fatalf("stats: %+v", st)
	}
	if cr.Tick() != 1500 {
		t.Fatalf("tick: %d", cr.Tick())
	}
}

func TestChunkReader_MissingEndIsCleanEOF(t *testing.T) {
	raw := replaytest.New(1).Sync(10).Commands(1, replaytest.Resign()).Bytes()
	chunks, cr, err := readAll(t, raw, replay.ChunkReaderOptions{})
	if err != nil || len(chunks) != 1 || cr.Stats().SawEnd {
		t.Fatalf("chunks=%d err=%v stats=%+v", len(chunks), err, cr.Stats())
	}
}

func TestChunkReader_PerRecordSlot(t *testing.T) {
	raw := replaytest.New(1).
		Sync(10).
		Commands(replay.SlotUndetermined, replaytest.Train(83, 1).For(2), replaytest.Resign().For(1)).
		Bytes()
	chunks, _, err := readAll(t, raw, replay.ChunkReaderOptions{})
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	recs := chunks[0].Commands
	if recs[0].Slot != 2 || recs[1].Slot != 1 || len(recs[0].Payload) != 4 {
		t.Fatalf("records: %+v", recs)
	}
}

func TestChunkReader_Truncated(t *testing.T) {
	b := replaytest.New(1).
		Sync(1000).
		Commands(1, replaytest.Resign()).
		Sync(250).
		Truncated(replaytest.KindCommand, 64, []byte{1, replaytest.OpResign, 0, 0})
	raw := b.Bytes()
	chunks, cr, err := readAll(t, raw, replay.ChunkReaderOptions{})
	var te *replay.TruncatedChunkError
	if !errors.As(err, &te) {
		t.Fatalf("want TruncatedChunkError, got %v", err)
	}
	if te.LastTick != 1250 || te.Kind != replay.ChunkCommand {
		t.Fatalf("truncation: %+v", te)
	}
	if len(chunks) != 1 {
		t.Fatalf("partial chunks: %d", len(chunks))
	}
	if _, err := cr.Next(); !errors.Is(err, io.EOF) {
		t.Fatalf("reader should be exhausted after error, got %v", err)
	}
	if cr.Err() != te {
		t.Fatalf("Err should keep the truncation")
	}
}

func TestChunkReader_RecordPastChunkEnd(t *testing.T) {
	// A record declaring 10 bytes inside a 4 byte chunk body.
	raw := replaytest.New(1).Sync(5).Chunk(replaytest.KindCommand, []byte{1, replaytest.OpTrain, 10, 0}).Bytes()
	_, _, err := readAll(t, raw, replay.ChunkReaderOptions{})
	var te *replay.TruncatedChunkError
	if !errors.As(err, &te) || te.LastTick != 5 {
		t.Fatalf("want TruncatedChunkError at tick 5, got %v", err)
	}
}

func TestChunkReader_TickDecrease(t *testing.T) {
	raw := replaytest.New(1).Sync(100).Sync(-1).Commands(1, replaytest.Resign()).Bytes()
	chunks, _, err := readAll(t, raw, replay.ChunkReaderOptions{})
	var te *replay.TruncatedChunkError
	if !errors.As(err, &te) || te.Kind != replay.ChunkSync || te.LastTick != 100 {
		t.Fatalf("want sync TruncatedChunkError, got %v", err)
	}
	if len(chunks) != 0 {
		t.Fatalf("nothing after the decrease may be yielded")
	}
}

func TestChunkReader_SaveChunks(t *testing.T) {
	b := replaytest.New(1).
		Sync(300).
		Save(replaytest.SavePlayer{Slot: 1, Food: 120, Wood: 80, Gold: 5, Stone: 200, Pop: 4, PopCap: 5, Villagers: 3})
	raw := b.Bytes()

	chunks, cr, err := readAll(t, raw, replay.ChunkReaderOptions{})
	if err != nil || len(chunks) != 0 || cr.Stats().Save != 1 {
		t.Fatalf("untrusted: chunks=%d err=%v", len(chunks), err)
	}

	chunks, _, err = readAll(t, raw, replay.ChunkReaderOptions{TrustEmbeddedState: true})
	if err != nil || len(chunks) != 1 {
		t.Fatalf("trusted: chunks=%d err=%v", len(chunks), err)
	}
	emb := chunks[0].Embedded
	if emb == nil || emb.Tick != 300 || len(emb.Players) != 1 {
		t.Fatalf("embedded: %+v", emb)
	}
	p := emb.Players[0]
	if p.Food != 120 || p.Stone != 200 || p.Pop != 4 || p.Villagers != 3 {
		t.Fatalf("embedded player: %+v", p)
	}
}
