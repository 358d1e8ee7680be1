package fetch

import (
	"context"
	"io"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
)

// progressReader logs transfer progress at most once per interval.
type progressReader struct {
	r        io.Reader
	logger   zerolog.Logger
	total    int64
	read     int64
	interval time.Duration
	last     time.Time
}

func newProgressReader(r io.Reader, offset, total int64, interval time.Duration, logger zerolog.Logger) *progressReader {
	return &progressReader{
		r:        r,
		logger:   logger,
		total:    total,
		read:     offset,
		interval: interval,
		last:     time.Now(),
	}
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	p.read += int64(n)
	if now := time.Now(); now.Sub(p.last) >= p.interval {
		p.last = now
		event := p.logger.Info().Str("received", humanize.IBytes(uint64(p.read)))
		if p.total > 0 {
			event = event.Str("total", humanize.IBytes(uint64(p.total))).
				Float64("percent", float64(p.read)*100/float64(p.total))
		}
		event.Msg("Fetch progress")
	}
	return n, err
}

const copyBufferSize = 256 * 1024

// copyContext copies src to dst, checking ctx between chunks.
func copyContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	buf := make([]byte, copyBufferSize)
	var written int64
	for {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		nr, rerr := src.Read(buf)
		if nr > 0 {
			nw, werr := dst.Write(buf[:nr])
			written += int64(nw)
			if werr != nil {
				return written, werr
			}
			if nw != nr {
				return written, io.ErrShortWrite
			}
		}
		if rerr == io.EOF {
			return written, nil
		}
		if rerr != nil {
			return written, rerr
		}
	}
}
