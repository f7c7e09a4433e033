// Package title derives short session titles from the first user message.
package title

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/eventpipe/internal/common/logger"
	"github.com/kandev/eventpipe/internal/common/stringutil"
)

// DefaultMaxLength is used when no maximum is configured.
const DefaultMaxLength = 60

// ErrEmptyPrompt is returned when a prompt has no usable text.
var ErrEmptyPrompt = errors.New("empty prompt")

// Generator produces a title for a prompt.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// GeneratorFunc adapts a function to Generator.
type GeneratorFunc func(ctx context.Context, prompt string) (string, error)

// Generate calls f.
func (f GeneratorFunc) Generate(ctx context.Context, prompt string) (string, error) {
	return f(ctx, prompt)
}

// Heuristic titles a prompt with its first non-empty line, cut at a word
// boundary where possible.
type Heuristic struct {
	MaxLength int
}

// Generate implements Generator.
func (h Heuristic) Generate(ctx context.Context, prompt string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	maxLen := h.MaxLength
	if maxLen <= 0 {
		maxLen = DefaultMaxLength
	}

	line := ""
	for _, l := range strings.Split(prompt, "\n") {
		if l = stringutil.CollapseWhitespace(l); l != "" {
			line = l
			break
		}
	}
	line = strings.TrimLeft(line, "#>*- ")
	if line == "" {
		return "", ErrEmptyPrompt
	}

	if len([]rune(line)) <= maxLen {
		return line, nil
	}
	cut := stringutil.TruncateString(line, maxLen-3)
	if i := strings.LastIndexByte(cut, ' '); i > len(cut)/2 {
		cut = cut[:i]
	}
	return strings.TrimRight(cut, " .,;:") + "...", nil
}

// ApplyFunc stores a generated title. It returns an error when the session
// is gone.
type ApplyFunc func(title string) error

// Dispatcher runs title generation in detached goroutines. Failures are
// logged and never reach the caller.
type Dispatcher struct {
	generator Generator
	timeout   time.Duration
	logger    *logger.Logger
	wg        sync.WaitGroup
}

// NewDispatcher creates a dispatcher. A zero timeout means 30 seconds.
func NewDispatcher(gen Generator, timeout time.Duration, log *logger.Logger) *Dispatcher {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if log == nil {
		log = logger.Default()
	}
	return &Dispatcher{
		generator: gen,
		timeout:   timeout,
		logger:    log.WithFields(zap.String("component", "title")),
	}
}

// Dispatch generates a title for prompt in the background and hands it to
// apply. It returns immediately.
func (d *Dispatcher) Dispatch(sessionID, prompt string, apply ApplyFunc) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				d.logger.Error("title generation panicked", zap.String("session_id", sessionID), zap.Any("panic", r))
			}
		}()

		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		defer cancel()

		t, err := d.generator.Generate(ctx, prompt)
		if err != nil {
			d.logger.Warn("failed to generate session title", zap.String("session_id", sessionID), zap.Error(err))
			return
		}
		if err := apply(t); err != nil {
			d.logger.Debug("discarded session title", zap.String("session_id", sessionID), zap.Error(err))
			return
		}
		d.logger.Debug("session titled", zap.String("session_id", sessionID), zap.String("title", t))
	}()
}

// Wait blocks until every dispatched generation has finished.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}
