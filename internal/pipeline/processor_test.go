package pipeline

import (
	"archive/zip"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fmueller/tsscribe/internal/document"
	"github.com/fmueller/tsscribe/internal/metrics"
	"github.com/fmueller/tsscribe/internal/transcode"
	"github.com/fmueller/tsscribe/internal/transcribe"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

type fakeTranscoder struct {
	mu          sync.Mutex
	fail        map[string]error
	calls       []string
	inflight    map[string]int
	maxInflight int
	delay       time.Duration
}

func (f *fakeTranscoder) Transcode(_ context.Context, src, dst string) error {
	name := filepath.Base(src)

	f.mu.Lock()
	f.calls = append(f.calls, name)
	if f.inflight == nil {
		f.inflight = make(map[string]int)
	}
	f.inflight[name]++
	if f.inflight[name] > f.maxInflight {
		f.maxInflight = f.inflight[name]
	}
	err := f.fail[name]
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.inflight[name]--
		f.mu.Unlock()
	}()

	time.Sleep(f.delay)
	if err != nil {
		return err
	}
	if _, statErr := os.Stat(src); statErr != nil {
		return statErr
	}
	return os.WriteFile(dst, []byte("RIFF"), 0o644)
}

type fakeTranscriber struct {
	texts map[string]string
	errs  map[string]error
}

func (f *fakeTranscriber) Transcribe(_ context.Context, audioPath string) transcribe.Result {
	if _, err := os.Stat(audioPath); err != nil {
		return transcribe.Result{Err: err}
	}
	name := filepath.Base(audioPath)
	if err, ok := f.errs[name]; ok {
		return transcribe.Result{Err: err}
	}
	return transcribe.Result{Text: f.texts[name]}
}

type failingWriter struct {
	failFor string
	inner   document.Writer
}

func (w failingWriter) Write(path, title, body string) error {
	if filepath.Base(path) == w.failFor {
		return errors.New("disk full")
	}
	return w.inner.Write(path, title, body)
}

func fileUpload(name, content string) Upload {
	return Upload{
		Name: name,
		Open: func() (io.ReadCloser, error) {
			return io.NopCloser(strings.NewReader(content)), nil
		},
	}
}

func brokenUpload(name string, err error) Upload {
	return Upload{
		Name: name,
		Open: func() (io.ReadCloser, error) { return nil, err },
	}
}

func newTestProcessor(t *testing.T, opts Options) (*Processor, string) {
	t.Helper()
	if opts.OutputDir == "" {
		opts.OutputDir = filepath.Join(t.TempDir(), "outputs")
	}
	if opts.Transcoder == nil {
		opts.Transcoder = &fakeTranscoder{}
	}
	if opts.Transcriber == nil {
		opts.Transcriber = &fakeTranscriber{}
	}
	if opts.Documents == nil {
		opts.Documents = document.Writer{}
	}
	return New(opts), opts.OutputDir
}

func listDir(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names
}

func documentXML(t *testing.T, path string) string {
	t.Helper()
	zr, err := zip.OpenReader(path)
	require.NoError(t, err)
	defer zr.Close()
	for _, f := range zr.File {
		if f.Name == "word/document.xml" {
			rc, err := f.Open()
			require.NoError(t, err)
			defer rc.Close()
			data, err := io.ReadAll(rc)
			require.NoError(t, err)
			return string(data)
		}
	}
	t.Fatalf("no document.xml in %s", path)
	return ""
}

// documentParagraphs returns each paragraph of a .docx as "style|text".
// Attribute order in the raw XML is not stable between writes.
func documentParagraphs(t *testing.T, path string) []string {
	t.Helper()
	dec := xml.NewDecoder(strings.NewReader(documentXML(t, path)))

	var (
		paragraphs []string
		style      string
		text       strings.Builder
		inText     bool
	)
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)

		switch el := tok.(type) {
		case xml.StartElement:
			switch el.Name.Local {
			case "p":
				style = ""
				text.Reset()
			case "pStyle":
				for _, attr := range el.Attr {
					if attr.Name.Local == "val" {
						style = attr.Value
					}
				}
			case "t":
				inText = true
			}
		case xml.CharData:
			if inText {
				text.Write(el)
			}
		case xml.EndElement:
			switch el.Name.Local {
			case "t":
				inText = false
			case "p":
				paragraphs = append(paragraphs, style+"|"+text.String())
			}
		}
	}
	return paragraphs
}

// blockingTranscriber waits for the caller to give up, like a long inference
// on a dropped request.
type blockingTranscriber struct {
	started chan struct{}
}

func (b *blockingTranscriber) Transcribe(ctx context.Context, _ string) transcribe.Result {
	close(b.started)
	<-ctx.Done()
	return transcribe.Result{Err: fmt.Errorf("whisper transcribe interrupted: %w", ctx.Err())}
}

func TestProcessBatchSkipsUnrecognisedFiles(t *testing.T) {
	t.Parallel()

	tc := &fakeTranscoder{}
	p, out := newTestProcessor(t, Options{Transcoder: tc})

	report := p.ProcessBatch(context.Background(), []Upload{fileUpload("notes.txt", "hi"), fileUpload("clip.mp4", "x")})
	require.False(t, report.NoFiles)
	require.False(t, report.Aborted)
	require.Empty(t, report.Processed())
	require.Equal(t, "Successfully processed files: . Check the outputs folder.", report.Summary())
	require.Equal(t, map[Status]int{StatusSkipped: 2}, report.Counts())
	require.Empty(t, tc.calls)
	require.Empty(t, listDir(t, out))
}

func TestProcessBatchWritesDocumentAndCleansUp(t *testing.T) {
	t.Parallel()

	p, out := newTestProcessor(t, Options{
		Transcriber: &fakeTranscriber{texts: map[string]string{"lecture.wav": "hello world"}},
	})

	report := p.ProcessBatch(context.Background(), []Upload{fileUpload("lecture.ts", "ts-bytes")})
	require.Equal(t, []string{"lecture.ts"}, report.Processed())
	require.Equal(t, "Successfully processed files: lecture.ts. Check the outputs folder.", report.Summary())
	require.Equal(t, StatusProcessed, report.Files[0].Status)
	require.Equal(t, filepath.Join(out, "lecture.docx"), report.Files[0].Document)

	require.Equal(t, []string{"lecture.docx"}, listDir(t, out))
	xml := documentXML(t, filepath.Join(out, "lecture.docx"))
	require.Contains(t, xml, "Transcription - lecture.ts")
	require.Contains(t, xml, "hello world")
}

func TestProcessBatchRendersTranscriptionErrorAndContinues(t *testing.T) {
	t.Parallel()

	p, out := newTestProcessor(t, Options{
		FailFast: true,
		Transcriber: &fakeTranscriber{
			texts: map[string]string{"b.wav": "second"},
			errs:  map[string]error{"a.wav": errors.New("model exploded")},
		},
	})

	report := p.ProcessBatch(context.Background(), []Upload{fileUpload("a.ts", "1"), fileUpload("b.ts", "2")})
	require.False(t, report.Aborted)
	require.Equal(t, []string{"a.ts", "b.ts"}, report.Processed())
	require.Equal(t, StatusTranscriptionFailed, report.Files[0].Status)
	require.Equal(t, "model exploded", report.Files[0].Error)

	require.Contains(t, documentXML(t, filepath.Join(out, "a.docx")), "Error processing file: model exploded")
	require.Contains(t, documentXML(t, filepath.Join(out, "b.docx")), "second")
	require.Equal(t, []string{"a.docx", "b.docx"}, listDir(t, out))
}

func TestProcessBatchFailFastStopsAtFirstFailure(t *testing.T) {
	t.Parallel()

	m := metrics.New()
	p, out := newTestProcessor(t, Options{FailFast: true, Metrics: m})

	report := p.ProcessBatch(context.Background(), []Upload{
		fileUpload("first.ts", "1"),
		brokenUpload("second.ts", errors.New("connection reset")),
		fileUpload("third.ts", "3"),
	})

	require.True(t, report.Aborted)
	require.Equal(t, "second.ts", report.FailedFile)
	require.Equal(t, "Error processing second.ts: save upload: connection reset", report.Summary())
	require.Equal(t, []Status{StatusProcessed, StatusFailed, StatusNotAttempted},
		[]Status{report.Files[0].Status, report.Files[1].Status, report.Files[2].Status})
	require.Equal(t, []string{"first.docx"}, listDir(t, out))
	require.Equal(t, 1.0, testutil.ToFloat64(m.BatchesTotal.WithLabelValues("aborted")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.FilesTotal.WithLabelValues("not_attempted")))
}

func TestProcessBatchPartialSuccessContinuesPastFailures(t *testing.T) {
	t.Parallel()

	tc := &fakeTranscoder{fail: map[string]error{
		"b.ts": &transcode.Error{Path: "b.ts", ExitCode: 1, Stderr: "Invalid data found when processing input"},
	}}
	m := metrics.New()
	p, out := newTestProcessor(t, Options{
		Transcoder: tc,
		Documents:  failingWriter{failFor: "c.docx"},
		Metrics:    m,
	})

	report := p.ProcessBatch(context.Background(), []Upload{
		fileUpload("a.ts", "1"), fileUpload("b.ts", "2"), fileUpload("c.ts", "3"), fileUpload("d.ts", "4"),
	})

	require.False(t, report.Aborted)
	require.Equal(t, []string{"a.ts", "d.ts"}, report.Processed())
	require.Equal(t, StatusTranscodeFailed, report.Files[1].Status)
	require.Equal(t, StatusFailed, report.Files[2].Status)
	require.Equal(t,
		"Successfully processed files: a.ts, d.ts. Check the outputs folder. "+
			"Failed files: b.ts (transcode b.ts: exit status 1 (Invalid data found when processing input)), c.ts (write document: disk full).",
		report.Summary())
	require.Equal(t, []string{"a.docx", "d.docx"}, listDir(t, out))
	require.Equal(t, 1.0, testutil.ToFloat64(m.BatchesTotal.WithLabelValues("partial")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.FilesTotal.WithLabelValues("transcode_failed")))
}

func TestProcessBatchFailFastOnTranscodeFailure(t *testing.T) {
	t.Parallel()

	tc := &fakeTranscoder{fail: map[string]error{"a.ts": errors.New("ffmpeg missing")}}
	p, out := newTestProcessor(t, Options{FailFast: true, Transcoder: tc})

	report := p.ProcessBatch(context.Background(), []Upload{fileUpload("a.ts", "1"), fileUpload("b.ts", "2")})
	require.True(t, report.Aborted)
	require.Equal(t, "Error processing a.ts: ffmpeg missing", report.Summary())
	require.Empty(t, listDir(t, out))
	require.Equal(t, []string{"a.ts"}, tc.calls)
}

func TestProcessBatchWithoutFiles(t *testing.T) {
	t.Parallel()

	for name, uploads := range map[string][]Upload{
		"empty batch":      nil,
		"empty first name": {fileUpload("", ""), fileUpload("late.ts", "x")},
	} {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			tc := &fakeTranscoder{}
			p, out := newTestProcessor(t, Options{Transcoder: tc})
			report := p.ProcessBatch(context.Background(), uploads)

			require.True(t, report.NoFiles)
			require.Equal(t, "No files selected", report.Summary())
			require.Empty(t, tc.calls)
			_, err := os.Stat(out)
			require.ErrorIs(t, err, os.ErrNotExist)
		})
	}
}

func TestProcessBatchIsIdempotent(t *testing.T) {
	t.Parallel()

	p, out := newTestProcessor(t, Options{
		Transcriber: &fakeTranscriber{texts: map[string]string{"talk.wav": "same words"}},
	})
	batch := func() []Upload { return []Upload{fileUpload("talk.ts", "bytes")} }

	p.ProcessBatch(context.Background(), batch())
	first := documentParagraphs(t, filepath.Join(out, "talk.docx"))
	p.ProcessBatch(context.Background(), batch())
	second := documentParagraphs(t, filepath.Join(out, "talk.docx"))

	require.Equal(t, first, second)
	require.Contains(t, second, "Title|Transcription - talk.ts")
	require.Contains(t, strings.Join(second, "\n"), "|same words")
	require.Equal(t, []string{"talk.docx"}, listDir(t, out))
}

func TestProcessBatchStripsClientPaths(t *testing.T) {
	t.Parallel()

	p, out := newTestProcessor(t, Options{})
	report := p.ProcessBatch(context.Background(), []Upload{
		fileUpload("../../etc/evil.ts", "1"),
		fileUpload(`C:\Users\me\Videos\clip.ts`, "2"),
	})

	require.Equal(t, []string{"evil.ts", "clip.ts"}, report.Processed())
	require.Equal(t, []string{"clip.docx", "evil.docx"}, listDir(t, out))
}

func TestProcessBatchSerialisesSameNamedUploads(t *testing.T) {
	t.Parallel()

	tc := &fakeTranscoder{delay: 20 * time.Millisecond}
	p, out := newTestProcessor(t, Options{Transcoder: tc})

	reports := make([]*Report, 4)
	var wg sync.WaitGroup
	for i := range reports {
		wg.Add(1)
		go func() {
			defer wg.Done()
			reports[i] = p.ProcessBatch(context.Background(), []Upload{fileUpload("shared.ts", "x")})
		}()
	}
	wg.Wait()

	for _, report := range reports {
		require.Equal(t, []string{"shared.ts"}, report.Processed())
	}

	require.Equal(t, 1, tc.maxInflight)
	require.Len(t, tc.calls, 4)
	require.Equal(t, []string{"shared.docx"}, listDir(t, out))
	require.Zero(t, p.locks.size())
}

func TestSanitizeName(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"":                 "",
		"lecture.ts":       "lecture.ts",
		"dir/lecture.ts":   "lecture.ts",
		`dir\lecture.ts`:   "lecture.ts",
		"..":               "",
		"/":                "",
		"my.ts.archive.ts": "my.ts.archive.ts",
	}
	for in, want := range cases {
		require.Equal(t, want, sanitizeName(in), "input %q", in)
	}
}

func TestProcessBatchCancelledTranscriptionKeepsExistingDocument(t *testing.T) {
	t.Parallel()

	bt := &blockingTranscriber{started: make(chan struct{})}
	p, out := newTestProcessor(t, Options{Transcriber: bt})

	require.NoError(t, os.MkdirAll(out, 0o755))
	existing := filepath.Join(out, "lecture.docx")
	require.NoError(t, document.Writer{}.Write(existing, "Transcription - lecture.ts", "good transcript"))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-bt.started
		cancel()
	}()

	report := p.ProcessBatch(ctx, []Upload{fileUpload("lecture.ts", "ts"), fileUpload("later.ts", "ts")})

	require.True(t, report.Aborted)
	require.Equal(t, StatusInterrupted, report.Files[0].Status)
	require.Empty(t, report.Files[0].Document)
	require.Equal(t, StatusNotAttempted, report.Files[1].Status)
	require.Empty(t, report.Processed())
	require.Equal(t, "Error processing lecture.ts: transcription interrupted: context canceled", report.Summary())

	require.Contains(t, strings.Join(documentParagraphs(t, existing), "\n"), "|good transcript")
	require.Equal(t, []string{"lecture.docx"}, listDir(t, out))
}

func TestProcessBatchStopsWhenTranscriberCloses(t *testing.T) {
	t.Parallel()

	p, out := newTestProcessor(t, Options{
		Transcriber: &fakeTranscriber{errs: map[string]error{"a.wav": transcribe.ErrServiceClosed}},
	})

	report := p.ProcessBatch(context.Background(), []Upload{fileUpload("a.ts", "1"), fileUpload("b.ts", "2")})

	require.True(t, report.Aborted, "shutdown ends the batch even without fail-fast")
	require.Equal(t, "a.ts", report.FailedFile)
	require.Equal(t, StatusInterrupted, report.Files[0].Status)
	require.Equal(t, StatusNotAttempted, report.Files[1].Status)
	require.Len(t, report.Failures(), 1)
	require.Empty(t, listDir(t, out))
}

func TestProcessBatchWithCancelledContextAttemptsNothing(t *testing.T) {
	t.Parallel()

	tc := &fakeTranscoder{}
	p, out := newTestProcessor(t, Options{Transcoder: tc})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	report := p.ProcessBatch(ctx, []Upload{fileUpload("a.ts", "1"), fileUpload("b.ts", "2")})

	require.True(t, report.Aborted)
	require.Equal(t, "Error processing a.ts: batch interrupted: context canceled", report.Summary())
	require.Equal(t, map[Status]int{StatusNotAttempted: 2}, report.Counts())
	require.Empty(t, tc.calls)
	require.Empty(t, listDir(t, out))
}
