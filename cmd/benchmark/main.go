package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"runtime/pprof"
	"strconv"
	"time"

	"github.com/jamiealquiza/tachymeter"
	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/delaneyj/changeparty/autorefresh"
	"github.com/delaneyj/changeparty/changeset"
	"github.com/delaneyj/changeparty/reevaluate"
)

var cpuProfile = flag.String("cpuprofile", "default.pgo", "write a cpu profile here, empty to skip")

func main() {
	flag.Parse()

	if *cpuProfile != "" {
		f, err := os.Create(*cpuProfile)
		if err != nil {
			log.Fatal(err)
		}
		if err := pprof.StartCPUProfile(f); err != nil {
			log.Fatal(err)
		}
		defer pprof.StopCPUProfile()
	}

	log.Printf("warming up")
	benchmarkAutoRefresh(false)
	benchmarkReevaluate(false)

	benchmarkAutoRefresh(true)
	benchmarkReevaluate(true)
}

var (
	sizes = []int{1, 10, 100, 1_000, 10_000}
	iters = 1_000
)

type item struct {
	id    int
	value *changeset.Property[int]
}

func itemKey(it *item) int { return it.id }

func populate(n int) (*changeset.Cache[int, *item], []*item) {
	items := make([]*item, n)
	for i := range items {
		items[i] = &item{id: i, value: changeset.NewProperty(0)}
	}
	cache := changeset.NewCache(itemKey)
	cache.AddOrUpdate(items...)
	return cache, items
}

func newTable(title string) table.Writer {
	tbl := table.NewWriter()
	tbl.SetTitle(title)
	tbl.SetOutputMirror(os.Stdout)
	tbl.AppendHeader(table.Row{"benchmark", "avg", "min", "p75", "p99", "max"})
	return tbl
}

func appendCalc(tbl table.Writer, name string, tach *tachymeter.Tachymeter) {
	calc := tach.Calc()
	tbl.AppendRows([]table.Row{
		{
			name,
			calc.Time.Avg,
			calc.Time.Min,
			calc.Time.P75,
			calc.Time.P99,
			calc.Time.Max,
		},
	})
}

// benchmarkAutoRefresh times a liveness tick until its Evaluate batch has
// been delivered.
func benchmarkAutoRefresh(shouldRender bool) {
	tbl := newTable("Auto refresh: tick to Evaluate")

	for _, n := range sizes {
		tach := tachymeter.New(&tachymeter.Config{Size: iters})
		cache, items := populate(n)

		evaluated := 0
		sub := autorefresh.New(cache.Connect(), func(_ int, it *item) (changeset.Stream[int], error) {
			return it.value.Changes(), nil
		}).Subscribe(changeset.ObserverFuncs[changeset.Batch[int, *item]]{
			Next: func(b changeset.Batch[int, *item]) {
				evaluated += b.Count(changeset.Evaluate)
			},
			Error: func(err error) { log.Panic(err) },
		})

		for i := 0; i < iters; i++ {
			it := items[i%n]
			start := time.Now()
			it.value.SetValue(it.value.Value() + 1)
			tach.AddTime(time.Since(start))
		}
		if evaluated != iters {
			log.Panicf("expected %d evaluations, got %d", iters, evaluated)
		}
		if err := sub.Dispose(); err != nil {
			log.Panic(err)
		}

		appendCalc(tbl, "items: "+strconv.Itoa(n), tach)
	}

	if shouldRender {
		tbl.Render()
	}
}

// benchmarkReevaluate times a trigger tick until the full Evaluate batch has
// been delivered.
func benchmarkReevaluate(shouldRender bool) {
	tbl := newTable("Reevaluate: trigger to batch")

	for _, n := range sizes {
		tach := tachymeter.New(&tachymeter.Config{Size: iters})
		cache, _ := populate(n)
		trigger := changeset.NewSubject[struct{}]()

		last := 0
		sub := reevaluate.New[int, *item, struct{}](cache.Connect(), trigger).Subscribe(changeset.ObserverFuncs[changeset.Batch[int, *item]]{
			Next: func(b changeset.Batch[int, *item]) {
				last = len(b)
			},
			Error: func(err error) { log.Panic(err) },
		})

		for i := 0; i < iters; i++ {
			start := time.Now()
			trigger.OnNext(struct{}{})
			tach.AddTime(time.Since(start))
		}
		if last != n {
			log.Panicf("expected batches of %d, got %d", n, last)
		}
		if err := sub.Dispose(); err != nil {
			log.Panic(err)
		}

		appendCalc(tbl, fmt.Sprintf("items: %d", n), tach)
	}

	if shouldRender {
		tbl.Render()
	}
}
