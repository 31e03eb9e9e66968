package flightlog

import (
	"context"
	"io"

	"github.com/banshee-data/obstacle-avoidance/internal/command"
	"github.com/banshee-data/obstacle-avoidance/internal/depth"
)

type discard struct{}

func (discard) Dispatch(context.Context, command.Command) error { return nil }

// emptyFrames yields n open 30x30 frames.
type emptyFrames struct{ n int }

func (s *emptyFrames) Next(ctx context.Context) (depth.Field, error) {
	if s.n == 0 {
		return nil, io.EOF
	}
	s.n--
	return depth.NewFrame(30, 30), nil
}
