// Package media moves voice payloads through scratch files for the speech
// providers.
package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"gwi.com/chat-relay/internal/llm"
	"gwi.com/chat-relay/internal/logger"
)

// ErrTransient marks local media failures: downloading, writing or reading a
// scratch file. Provider failures are returned unwrapped.
var ErrTransient = errors.New("media transient failure")

type Pipeline struct {
	transcriber llm.Transcriber
	synthesizer llm.Synthesizer
	inputDir    string
	outputDir   string
	log         *logger.Logger
}

func NewPipeline(transcriber llm.Transcriber, synthesizer llm.Synthesizer, inputDir, outputDir string, log *logger.Logger) (*Pipeline, error) {
	for _, dir := range []string{inputDir, outputDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create media directory %s: %w", dir, err)
		}
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Pipeline{
		transcriber: transcriber,
		synthesizer: synthesizer,
		inputDir:    inputDir,
		outputDir:   outputDir,
		log:         log.Component("media"),
	}, nil
}

func (p *Pipeline) remove(path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		p.log.Warn().Err(err).Str("path", path).Msg("failed to remove scratch file")
	}
}

func transient(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrTransient, fmt.Sprintf(format, args...))
}

// Transcribe copies src into a scratch file and returns its transcription.
// The scratch file is removed on every path.
func (p *Pipeline) Transcribe(ctx context.Context, src io.Reader) (string, error) {
	path := filepath.Join(p.inputDir, uuid.NewString()+".ogg")
	defer p.remove(path)

	f, err := os.Create(path)
	if err != nil {
		return "", transient("create %s: %v", path, err)
	}
	_, copyErr := io.Copy(f, src)
	closeErr := f.Close()
	if copyErr != nil {
		return "", transient("download voice payload: %v", copyErr)
	}
	if closeErr != nil {
		return "", transient("close %s: %v", path, closeErr)
	}

	text, err := p.transcriber.Transcribe(ctx, path)
	if err != nil {
		return "", fmt.Errorf("failed to transcribe voice message: %w", err)
	}
	return text, nil
}

// Synthesize writes the spoken form of text to a scratch file. The caller
// owns the file until it calls release.
func (p *Pipeline) Synthesize(ctx context.Context, text string) (path string, release func(), err error) {
	path = filepath.Join(p.outputDir, uuid.NewString()+".mp3")
	f, err := os.Create(path)
	if err != nil {
		return "", nil, transient("create %s: %v", path, err)
	}

	synthErr := p.synthesizer.Synthesize(ctx, text, f)
	closeErr := f.Close()
	if synthErr != nil {
		p.remove(path)
		return "", nil, fmt.Errorf("failed to synthesize reply: %w", synthErr)
	}
	if closeErr != nil {
		p.remove(path)
		return "", nil, transient("close %s: %v", path, closeErr)
	}
	return path, func() { p.remove(path) }, nil
}
