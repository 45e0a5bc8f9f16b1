// Package templates renders delivered batches for the scenario command.
package templates

import (
	"io"

	qt "github.com/valyala/quicktemplate"

	"github.com/delaneyj/changeparty/changeset"
)

// StreamBatch writes batch as a heading line followed by one line per change.
func StreamBatch[K comparable, V any](qw *qt.Writer, title string, seq int, batch changeset.Batch[K, V]) {
	qw.N().S("-- ")
	qw.N().S(title)
	qw.N().S(" #")
	qw.N().D(seq)
	qw.N().S(" (")
	qw.N().S(plural(len(batch), "change"))
	qw.N().S(")\n")
	for _, c := range batch {
		qw.N().S("   ")
		qw.N().S(padRight(c.Reason.String(), 9))
		qw.N().S(" ")
		qw.N().V(c.Key)
		qw.N().S(" = ")
		qw.N().V(c.Current)
		if c.Reason == changeset.Update && c.HasPrevious {
			qw.N().S(" (was ")
			qw.N().V(c.Previous)
			qw.N().S(")")
		}
		qw.N().S("\n")
	}
}

func WriteBatch[K comparable, V any](w io.Writer, title string, seq int, batch changeset.Batch[K, V]) {
	qw := qt.AcquireWriter(w)
	StreamBatch(qw, title, seq, batch)
	qt.ReleaseWriter(qw)
}

func Batch[K comparable, V any](title string, seq int, batch changeset.Batch[K, V]) string {
	qb := qt.AcquireByteBuffer()
	WriteBatch(qb, title, seq, batch)
	s := string(qb.B)
	qt.ReleaseByteBuffer(qb)
	return s
}

// StreamNote writes a free-form line between batches.
func StreamNote(qw *qt.Writer, title, note string) {
	qw.N().S("== ")
	qw.N().S(title)
	qw.N().S(": ")
	qw.N().S(note)
	qw.N().S("\n")
}

func WriteNote(w io.Writer, title, note string) {
	qw := qt.AcquireWriter(w)
	StreamNote(qw, title, note)
	qt.ReleaseWriter(qw)
}
