// Package pipeline upscales one page image at a time: locate, acquire
// pixels, run the model through the inference channel and swap the
// result into the document.
package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image/png"
	"time"

	"go.uber.org/zap"

	"upscaler/acquire"
	"upscaler/db"
	"upscaler/document"
	"upscaler/inference"
	"upscaler/locator"
	"upscaler/logging"
	"upscaler/metrics"
	"upscaler/tensor"
)

// ErrNotUpscaled is returned by Revert for images this pipeline did not
// replace.
var ErrNotUpscaled = errors.New("pipeline: image not upscaled")

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(p *Pipeline) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithMetrics records every result in c.
func WithMetrics(c metrics.Collector) Option {
	return func(p *Pipeline) { p.metrics = c }
}

// WithHistory stores every result in r.
func WithHistory(r *db.Repository) Option {
	return func(p *Pipeline) { p.history = r }
}

// Pipeline owns the channel it is given for its lifetime; the caller
// closes the channel after the last call.
type Pipeline struct {
	locator  *locator.Locator
	acquirer *acquire.Acquirer
	channel  *inference.Channel

	logger  *logging.Logger
	metrics metrics.Collector
	history *db.Repository
}

// New assembles a pipeline.
func New(loc *locator.Locator, acq *acquire.Acquirer, ch *inference.Channel, opts ...Option) *Pipeline {
	p := &Pipeline{
		locator:  loc,
		acquirer: acq,
		channel:  ch,
		logger:   logging.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// LocateCount returns the number of eligible images in doc.
func (p *Pipeline) LocateCount(doc *document.Document) int {
	return p.locator.Count(doc)
}

// Candidates returns the eligible images in doc.
func (p *Pipeline) Candidates(doc *document.Document) []*document.Image {
	return p.locator.Locate(doc)
}

// Status reports the inference channel state.
func (p *Pipeline) Status() inference.Status {
	st := p.channel.Status()
	if p.metrics != nil {
		p.metrics.UpdateInference(st.State.String(), st.Loaded)
	}
	return st
}

// Warmup starts the computation unit and waits for its model.
func (p *Pipeline) Warmup(ctx context.Context) error {
	err := p.channel.Warmup(ctx)
	p.Status()
	return err
}

// UpscaleFirst upscales the first eligible image in doc.
func (p *Pipeline) UpscaleFirst(ctx context.Context, doc *document.Document) Result {
	candidates := p.locator.Locate(doc)
	if len(candidates) == 0 {
		return p.finish(ctx, doc, attempt{start: time.Now()}, Result{
			Kind:    KindNoCandidates,
			Stage:   StageLocate,
			Message: "no eligible images",
		})
	}
	return p.Upscale(ctx, candidates[0])
}

// attempt collects what finish needs beyond the Result.
type attempt struct {
	start    time.Time
	img      *document.Image
	inW, inH int
	acquire  time.Duration
	infer    time.Duration
	replace  time.Duration
}

// Upscale runs the pipeline on img. A failed stage releases the claim and
// leaves the element untouched.
func (p *Pipeline) Upscale(ctx context.Context, img *document.Image) Result {
	a := attempt{start: time.Now(), img: img}
	doc := img.Document()
	res := Result{Src: img.Src()}

	if !p.locator.Marks.Claim(img) {
		res.Kind, res.Stage, res.Message = KindBusy, StageClaim, "image already processed or in flight"
		return p.finish(ctx, doc, a, res)
	}
	fail := func(kind Kind, stage Stage, err error) Result {
		p.locator.Marks.Release(img)
		res.Kind, res.Stage, res.Message = kind, stage, err.Error()
		return p.finish(ctx, doc, a, res)
	}

	acq, err := p.acquirer.AcquireDetailed(ctx, img)
	a.acquire = time.Since(a.start)
	if err != nil {
		return fail(failureKind(ctx, err, KindAcquisition), StageAcquire, err)
	}
	res.Strategy = acq.Strategy
	a.inW, a.inH = acq.Pixels.Width, acq.Pixels.Height

	in, err := tensor.Encode(acq.Pixels)
	if err != nil {
		return fail(KindAcquisition, StageEncode, err)
	}

	inferStart := time.Now()
	resp, err := p.channel.Call(ctx, in)
	a.infer = time.Since(inferStart)
	if err != nil {
		res.CorrelationID = correlationIDOf(err)
		return fail(failureKind(ctx, err, KindInference), StageInference, err)
	}
	res.CorrelationID = resp.CorrelationID

	out, err := tensor.Decode(resp.Output)
	if err != nil {
		return fail(KindInference, StageDecode, err)
	}

	replaceStart := time.Now()
	if err := p.replace(ctx, img, out); err != nil {
		return fail(failureKind(ctx, err, KindReplacement), StageReplace, err)
	}
	a.replace = time.Since(replaceStart)
	p.locator.Marks.MarkProcessed(img)

	res.Success = true
	res.Stage = StageDone
	res.Width, res.Height = out.Width, out.Height
	return p.finish(ctx, doc, a, res)
}

// replace installs out as img's source through an object URL owned by the
// element. The original reference is kept in data-original-src.
func (p *Pipeline) replace(ctx context.Context, img *document.Image, out tensor.PixelBuffer) error {
	var buf bytes.Buffer
	if err := png.Encode(&buf, out.ToImage()); err != nil {
		return fmt.Errorf("encode png: %w", err)
	}

	blobs := img.Document().Blobs()
	objURL := blobs.CreateObjectURL(buf.Bytes(), "image/png")
	orig := img.Src()
	if err := img.SetSource(ctx, objURL); err != nil {
		blobs.RevokeObjectURL(objURL)
		if rerr := img.SetSource(ctx, orig); rerr != nil {
			p.logger.Warn("Failed to restore original image",
				zap.String("src", orig), zap.Error(rerr))
		}
		return fmt.Errorf("load replacement: %w", err)
	}

	if _, ok := img.Attr(document.AttrOriginalSrc); !ok {
		img.SetAttr(document.AttrOriginalSrc, orig)
	}
	img.SetAttr(document.AttrUpscaled, "true")
	return nil
}

// Revert restores an upscaled image's original source, revokes its object
// URL and makes it eligible again.
func (p *Pipeline) Revert(ctx context.Context, img *document.Image) error {
	orig, ok := img.Attr(document.AttrOriginalSrc)
	if !ok || !p.locator.Marks.Processed(img) {
		return ErrNotUpscaled
	}
	current := img.Src()
	err := img.SetSource(ctx, orig)
	if document.IsBlobURL(current) {
		img.Document().Blobs().RevokeObjectURL(current)
	}
	img.RemoveAttr(document.AttrOriginalSrc)
	img.RemoveAttr(document.AttrUpscaled)
	p.locator.Marks.Unmark(img)
	if err != nil {
		return fmt.Errorf("pipeline: reload original: %w", err)
	}
	return nil
}

// finish stamps the duration, logs the outcome and records it.
func (p *Pipeline) finish(ctx context.Context, doc *document.Document, a attempt, res Result) Result {
	res.Duration = time.Since(a.start)

	if res.Success {
		p.logger.Info("Image upscaled", logging.UpscaleFields(logging.UpscaleMetrics{
			CorrelationID: res.CorrelationID,
			Strategy:      res.Strategy,
			Mode:          p.channel.Mode(),
			InputWidth:    a.inW,
			InputHeight:   a.inH,
			OutputWidth:   res.Width,
			OutputHeight:  res.Height,
			AcquireTime:   a.acquire,
			InferenceTime: a.infer,
			ReplaceTime:   a.replace,
			Total:         res.Duration,
		}))
	} else {
		level := p.logger.Warn
		if res.Kind == KindNoCandidates || res.Kind == KindBusy || res.Kind == KindCanceled {
			level = p.logger.Info
		}
		level("Upscale failed",
			zap.String("kind", string(res.Kind)),
			zap.String("stage", string(res.Stage)),
			zap.String("src", res.Src),
			zap.String("correlation_id", res.CorrelationID),
			zap.String("message", res.Message))
	}

	p.record(ctx, doc, a, res)
	return res
}

func (p *Pipeline) record(ctx context.Context, doc *document.Document, a attempt, res Result) {
	if p.metrics != nil {
		status := metrics.TaskStatusSuccess
		if !res.Success {
			status = metrics.TaskStatusError
		}
		p.metrics.RecordTask(metrics.TaskRecord{
			ID:        res.CorrelationID,
			Src:       res.Src,
			Strategy:  res.Strategy,
			Status:    status,
			Kind:      string(res.Kind),
			StartTime: a.start,
			EndTime:   a.start.Add(res.Duration),
			Duration:  res.Duration,
			ErrorMsg:  res.Message,
		})
		p.Status()
	}

	if p.history == nil {
		return
	}
	var pageURL string
	if doc != nil {
		pageURL = doc.BaseURL()
	}
	msg := res.Message
	if len(msg) > 1000 {
		msg = msg[:1000]
	}
	if _, err := p.history.InsertAttempt(context.WithoutCancel(ctx), db.Attempt{
		CorrelationID: res.CorrelationID,
		PageURL:       pageURL,
		ImageSrc:      historySrc(res.Src),
		Strategy:      res.Strategy,
		Mode:          p.channel.Mode(),
		Success:       res.Success,
		Kind:          string(res.Kind),
		Stage:         string(res.Stage),
		Message:       msg,
		InputWidth:    a.inW,
		InputHeight:   a.inH,
		OutputWidth:   res.Width,
		OutputHeight:  res.Height,
		Duration:      res.Duration,
		CreatedAt:     a.start,
	}); err != nil {
		p.logger.Warn("Failed to record upscale attempt", zap.Error(err))
	}
}

// historySrc keeps data URIs out of the history table.
func historySrc(src string) string {
	if document.IsDataURI(src) && len(src) > 64 {
		return src[:64] + "..."
	}
	return src
}
