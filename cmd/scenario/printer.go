package main

import (
	"fmt"
	"io"
	"sync"

	"github.com/delaneyj/changeparty/changeset"
	"github.com/delaneyj/changeparty/cmd/scenario/templates"
)

// printer renders every batch it receives and keeps a mirror of the
// collection so scenarios can summarise it after each batch.
type printer[K comparable, V any] struct {
	w       io.Writer
	title   string
	summary func(items []changeset.KeyValue[K, V]) string

	mu     sync.Mutex
	seq    int
	mirror *changeset.Store[K, V]
}

func newPrinter[K comparable, V any](w io.Writer, title string, summary func([]changeset.KeyValue[K, V]) string) *printer[K, V] {
	return &printer[K, V]{
		w:       w,
		title:   title,
		summary: summary,
		mirror:  changeset.NewStore[K, V](),
	}
}

func (p *printer[K, V]) OnNext(batch changeset.Batch[K, V]) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seq++
	p.mirror.Apply(batch)
	templates.WriteBatch(p.w, p.title, p.seq, batch)
	if p.summary != nil {
		templates.WriteNote(p.w, p.title, p.summary(p.mirror.Items()))
	}
}

func (p *printer[K, V]) OnError(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	templates.WriteNote(p.w, p.title, fmt.Sprintf("failed: %v", err))
}

func (p *printer[K, V]) OnCompleted() {
	p.mu.Lock()
	defer p.mu.Unlock()
	templates.WriteNote(p.w, p.title, "completed")
}
