package media

import (
	"context"
	"errors"
	"io"
	"os"
	"strings"
	"testing"
)

type fakeSpeech struct {
	seenPath    string
	seenPayload string
	transErr    error
	synthErr    error
}

func (f *fakeSpeech) Transcribe(ctx context.Context, path string) (string, error) {
	f.seenPath = path
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	f.seenPayload = string(data)
	if f.transErr != nil {
		return "", f.transErr
	}
	return "transcribed", nil
}

func (f *fakeSpeech) Synthesize(ctx context.Context, text string, w io.Writer) error {
	io.WriteString(w, "audio:"+text)
	return f.synthErr
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("connection reset") }

func newTestPipeline(t *testing.T, speech *fakeSpeech) (*Pipeline, string, string) {
	t.Helper()
	in, out := t.TempDir(), t.TempDir()
	p, err := NewPipeline(speech, speech, in, out, nil)
	if err != nil {
		t.Fatal(err)
	}
	return p, in, out
}

func assertEmptyDir(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("expected %s to be empty, found %d entries", dir, len(entries))
	}
}

func TestTranscribe_RemovesScratchFile(t *testing.T) {
	speech := &fakeSpeech{}
	p, in, _ := newTestPipeline(t, speech)

	text, err := p.Transcribe(context.Background(), strings.NewReader("OggS-voice"))
	if err != nil {
		t.Fatal(err)
	}
	if text != "transcribed" {
		t.Errorf("unexpected text %q", text)
	}
	if speech.seenPayload != "OggS-voice" {
		t.Errorf("transcriber saw %q", speech.seenPayload)
	}
	if !strings.HasSuffix(speech.seenPath, ".ogg") {
		t.Errorf("unexpected scratch path %q", speech.seenPath)
	}
	assertEmptyDir(t, in)
}

func TestTranscribe_ProviderFailureStillCleansUp(t *testing.T) {
	speech := &fakeSpeech{transErr: errors.New("503")}
	p, in, _ := newTestPipeline(t, speech)

	_, err := p.Transcribe(context.Background(), strings.NewReader("x"))
	if err == nil {
		t.Fatal("expected error")
	}
	if errors.Is(err, ErrTransient) {
		t.Error("provider failures must not be reported as transient media errors")
	}
	assertEmptyDir(t, in)
}

func TestTranscribe_DownloadFailureIsTransient(t *testing.T) {
	p, in, _ := newTestPipeline(t, &fakeSpeech{})

	_, err := p.Transcribe(context.Background(), failingReader{})
	if !errors.Is(err, ErrTransient) {
		t.Fatalf("expected ErrTransient, got %v", err)
	}
	assertEmptyDir(t, in)
}

func TestSynthesize_ReleaseRemovesFile(t *testing.T) {
	p, _, out := newTestPipeline(t, &fakeSpeech{})

	path, release, err := p.Synthesize(context.Background(), "hello")
	if err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "audio:hello" {
		t.Errorf("unexpected payload %q", data)
	}

	release()
	release()
	assertEmptyDir(t, out)
}

func TestSynthesize_FailureRemovesPartialFile(t *testing.T) {
	p, _, out := newTestPipeline(t, &fakeSpeech{synthErr: errors.New("quota")})

	if _, _, err := p.Synthesize(context.Background(), "hello"); err == nil {
		t.Fatal("expected error")
	}
	assertEmptyDir(t, out)
}
