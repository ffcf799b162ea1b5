// Package transfer performs trade file I/O in the background and reports
// each completion on a single results channel.
package transfer

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/schollz/progressbar/v3"
	"github.com/sirupsen/logrus"

	"github.com/rudransh-shrivastava/peer-trade/internal/logger"
	"github.com/rudransh-shrivastava/peer-trade/internal/protocol"
)

type Kind int

const (
	KindLoad Kind = iota
	KindStore
)

func (k Kind) String() string {
	if k == KindLoad {
		return "load"
	}
	return "store"
}

type Result struct {
	Kind    Kind
	OfferID string
	Path    string
	Data    []byte
	Err     error
}

type Options struct {
	Logger *logrus.Logger
	// Progress receives a progress bar per transfer. Nil disables bars.
	Progress io.Writer
}

type Worker struct {
	ctx      context.Context
	logger   *logrus.Logger
	progress io.Writer
	results  chan Result
	wg       sync.WaitGroup
}

func NewWorker(ctx context.Context, opts Options) *Worker {
	log := opts.Logger
	if log == nil {
		log = logger.NewNopLogger()
	}

	return &Worker{
		ctx:      ctx,
		logger:   log,
		progress: opts.Progress,
		results:  make(chan Result, 16),
	}
}

func (w *Worker) Results() <-chan Result {
	return w.results
}

// Wait blocks until every scheduled job has reported or been abandoned
// because the worker's context ended.
func (w *Worker) Wait() {
	w.wg.Wait()
}

func (w *Worker) Load(offerID, path string) {
	w.run(func() Result {
		data, err := w.readFile(path)
		return Result{Kind: KindLoad, OfferID: offerID, Path: path, Data: data, Err: err}
	})
}

func (w *Worker) Store(offerID, path string, data []byte) {
	w.run(func() Result {
		err := w.writeFile(path, data)
		return Result{Kind: KindStore, OfferID: offerID, Path: path, Err: err}
	})
}

func (w *Worker) run(job func() Result) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		res := job()
		if res.Err != nil {
			w.logger.Warnf("%s %s failed: %v", res.Kind, res.Path, res.Err)
		} else {
			w.logger.Debugf("%s %s done", res.Kind, res.Path)
		}

		select {
		case w.results <- res:
		case <-w.ctx.Done():
		}
	}()
}

func (w *Worker) readFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%s is a directory", path)
	}
	if info.Size() > protocol.MaxFrameSize-1024 {
		return nil, fmt.Errorf("%s is %s, larger than the %s transfer limit",
			path, humanize.IBytes(uint64(info.Size())), humanize.IBytes(protocol.MaxFrameSize-1024))
	}

	var buf bytes.Buffer
	buf.Grow(int(info.Size()))

	var dst io.Writer = &buf
	if bar := w.bar(info.Size(), "reading "+filepath.Base(path)); bar != nil {
		dst = io.MultiWriter(&buf, bar)
		defer bar.Close()
	}

	if _, err := io.Copy(dst, f); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// writeFile replaces path atomically, so repeating a store only ever
// leaves one complete copy behind.
func (w *Worker) writeFile(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".part-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	var dst io.Writer = tmp
	if bar := w.bar(int64(len(data)), "writing "+filepath.Base(path)); bar != nil {
		dst = io.MultiWriter(tmp, bar)
		defer bar.Close()
	}

	if _, err := dst.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(0o644); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func (w *Worker) bar(size int64, desc string) *progressbar.ProgressBar {
	if w.progress == nil {
		return nil
	}
	return progressbar.NewOptions64(size,
		progressbar.OptionSetWriter(w.progress),
		progressbar.OptionSetDescription(desc),
		progressbar.OptionShowBytes(true),
		progressbar.OptionClearOnFinish(),
	)
}

// OSFiles answers existence checks against the local filesystem.
type OSFiles struct{}

func (OSFiles) Stat(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	if info.IsDir() {
		return 0, fmt.Errorf("%s is a directory", path)
	}
	return info.Size(), nil
}
