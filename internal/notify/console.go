package notify

import (
	"context"
	"fmt"
	"io"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/lookout/api/schemas"
)

var codec = jsoniter.ConfigCompatibleWithStandardLibrary

// ConsoleSink renders run events for a human watching the terminal.
type ConsoleSink struct {
	bus         *Bus
	out         io.Writer
	logger      *zap.Logger
	events      <-chan schemas.Event
	unsubscribe func()
}

// NewConsoleSink subscribes to every event kind immediately, so nothing posted after
// construction is missed.
func NewConsoleSink(bus *Bus, out io.Writer, logger *zap.Logger) *ConsoleSink {
	events, unsubscribe := bus.Subscribe()
	return &ConsoleSink{
		bus:         bus,
		out:         out,
		logger:      logger.Named("console_sink"),
		events:      events,
		unsubscribe: unsubscribe,
	}
}

// Run renders events until the bus shuts down. When ctx ends it unsubscribes and
// renders whatever was already buffered.
func (s *ConsoleSink) Run(ctx context.Context) error {
	for {
		select {
		case ev, ok := <-s.events:
			if !ok {
				return nil
			}
			s.handle(ev)
		case <-ctx.Done():
			s.unsubscribe()
			for ev := range s.events {
				s.handle(ev)
			}
			return nil
		}
	}
}

func (s *ConsoleSink) handle(ev schemas.Event) {
	defer s.bus.Acknowledge(ev)
	if _, err := io.WriteString(s.out, Render(ev)); err != nil {
		s.logger.Warn("Failed to write event", zap.Error(err))
	}
	s.logger.Debug("Event rendered", zap.String("kind", string(ev.Kind)), zap.String("event_id", ev.ID))
}

// Render formats one event as terminal text ending in a newline.
func Render(ev schemas.Event) string {
	var b strings.Builder
	switch ev.Kind {
	case schemas.EventMessage:
		fmt.Fprintf(&b, "» %s\n", ev.Text)
	case schemas.EventScriptUpdate:
		if ev.Error != "" {
			fmt.Fprintf(&b, "✗ review failed: %s\n", ev.Error)
			break
		}
		renderState(&b, ev.Text)
	case schemas.EventTestCases:
		fmt.Fprintf(&b, "Test plan:\n%s\n", strings.TrimRight(ev.Text, "\n"))
	case schemas.EventVerdict:
		fmt.Fprintf(&b, "Verdict: %s\n", strings.ToUpper(ev.Text))
	default:
		fmt.Fprintf(&b, "[%s] %s\n", ev.Kind, ev.Text)
	}
	return b.String()
}

func renderState(b *strings.Builder, raw string) {
	var state schemas.TestScriptState
	if err := codec.UnmarshalFromString(raw, &state); err != nil {
		fmt.Fprintf(b, "Test script update: %s\n", raw)
		return
	}
	b.WriteString("Test script update:\n")
	for _, step := range state.Steps {
		fmt.Fprintf(b, "  %3d  %-7s  %s", step.StepNumber, strings.ToUpper(string(step.Status)), step.Reasoning)
		if step.ImagePath != "" {
			fmt.Fprintf(b, "  (%s)", step.ImagePath)
		}
		b.WriteString("\n")
	}
}
