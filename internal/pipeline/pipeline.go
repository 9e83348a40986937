// Package pipeline turns one replay file into episodes.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"

	"rtsreplay.ai/internal/episode"
	"rtsreplay.ai/internal/replay"
	"rtsreplay.ai/internal/replay/command"
	"rtsreplay.ai/internal/sim/actionspace"
	"rtsreplay.ai/internal/sim/rules"
)

type Options struct {
	Rules *rules.Rules
	Spec  *actionspace.Spec

	Episode              episode.Options
	TrustEmbeddedState   bool
	MaxDecompressedBytes int64
}

func (o Options) validate() error {
	if o.Rules == nil {
		return errors.New("pipeline: nil rules")
	}
	if o.Spec == nil {
		return errors.New("pipeline: nil action space")
	}
	if o.Spec.SectorGrid != o.Rules.SectorGrid {
		return fmt.Errorf("pipeline: action space grid %d does not match rules grid %d", o.Spec.SectorGrid, o.Rules.SectorGrid)
	}
	return nil
}

// Process decodes raw and builds one episode per roster player.
//
// Decompression and header failures return (nil, err). A truncated chunk
// stream returns the partial result together with the
// *replay.TruncatedChunkError. A cancelled ctx returns ctx.Err().
func Process(ctx context.Context, raw []byte, opts Options) (*episode.Result, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	buf, env, err := replay.DecompressLimit(raw, opts.MaxDecompressedBytes)
	if err != nil {
		return nil, err
	}
	c, cur, err := replay.Parse(buf)
	if err != nil {
		return nil, err
	}

	dec := command.NewDecoder(opts.Rules, c)
	b := episode.NewBuilder(opts.Rules, opts.Spec, c, opts.Episode)
	cr := replay.NewChunkReader(cur, replay.ChunkReaderOptions{TrustEmbeddedState: opts.TrustEmbeddedState})

	var trunc *replay.TruncatedChunkError
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		ch, err := cr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			if !errors.As(err, &trunc) {
				return nil, err
			}
			break
		}
		switch ch.Kind {
		case replay.ChunkCommand:
			for _, rc := range ch.Commands {
				b.Command(dec.Decode(rc))
			}
		case replay.ChunkSave:
			if ch.Embedded != nil {
				b.Embedded(ch.Embedded)
			}
		}
	}

	res := b.Finish(cr.Tick(), cr.Stats(), trunc)
	res.Envelope = env
	if trunc != nil {
		return res, trunc
	}
	return res, nil
}
