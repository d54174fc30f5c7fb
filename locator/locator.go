// Package locator finds page images eligible for upscaling.
package locator

import (
	"sync"

	"upscaler/document"
)

// Default natural-size band.
const (
	DefaultMinDimension = 100
	DefaultMaxDimension = 2000
)

// Marks records images that are in flight or already processed. Identity
// is the element itself, not its source.
type Marks struct {
	mu        sync.Mutex
	inFlight  map[*document.Image]struct{}
	processed map[*document.Image]struct{}
}

// NewMarks returns an empty set.
func NewMarks() *Marks {
	return &Marks{
		inFlight:  make(map[*document.Image]struct{}),
		processed: make(map[*document.Image]struct{}),
	}
}

// Claim marks img in flight. It returns false when img is already in
// flight or processed.
func (m *Marks) Claim(img *document.Image) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.markedLocked(img) {
		return false
	}
	m.inFlight[img] = struct{}{}
	return true
}

// Release drops an in-flight claim without marking img processed.
func (m *Marks) Release(img *document.Image) {
	m.mu.Lock()
	delete(m.inFlight, img)
	m.mu.Unlock()
}

// MarkProcessed moves img from in flight to processed.
func (m *Marks) MarkProcessed(img *document.Image) {
	m.mu.Lock()
	delete(m.inFlight, img)
	m.processed[img] = struct{}{}
	m.mu.Unlock()
}

// Unmark forgets img entirely, making it eligible again.
func (m *Marks) Unmark(img *document.Image) {
	m.mu.Lock()
	delete(m.inFlight, img)
	delete(m.processed, img)
	m.mu.Unlock()
}

// Marked reports whether img is in flight or processed.
func (m *Marks) Marked(img *document.Image) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.markedLocked(img)
}

// Processed reports whether img was marked processed.
func (m *Marks) Processed(img *document.Image) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.processed[img]
	return ok
}

func (m *Marks) markedLocked(img *document.Image) bool {
	if _, ok := m.inFlight[img]; ok {
		return true
	}
	_, ok := m.processed[img]
	return ok
}

// Locator selects candidate images.
type Locator struct {
	MinDimension int
	MaxDimension int
	Marks        *Marks
}

// New returns a Locator with the given band. Non-positive bounds fall back
// to the defaults.
func New(minDim, maxDim int, marks *Marks) *Locator {
	if minDim <= 0 {
		minDim = DefaultMinDimension
	}
	if maxDim <= 0 {
		maxDim = DefaultMaxDimension
	}
	if marks == nil {
		marks = NewMarks()
	}
	return &Locator{MinDimension: minDim, MaxDimension: maxDim, Marks: marks}
}

// Locate returns eligible images in document order: not marked, with a
// non-empty rendered box and natural width and height inside
// [MinDimension, MaxDimension]. It does not modify the document.
func (l *Locator) Locate(doc *document.Document) []*document.Image {
	var out []*document.Image
	for _, img := range doc.Images() {
		if l.Eligible(img) {
			out = append(out, img)
		}
	}
	return out
}

// Count returns len(Locate(doc)).
func (l *Locator) Count(doc *document.Document) int {
	return len(l.Locate(doc))
}

// Eligible applies the Locate filter to a single image.
func (l *Locator) Eligible(img *document.Image) bool {
	if l.Marks != nil && l.Marks.Marked(img) {
		return false
	}
	if img.Box().Empty() {
		return false
	}
	w, h := img.NaturalSize()
	return l.inBand(w) && l.inBand(h)
}

func (l *Locator) inBand(v int) bool {
	return v >= l.MinDimension && v <= l.MaxDimension
}
