package main

import (
	"fmt"
	"log"
	"os"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"

	"github.com/delaneyj/changeparty/changeset"
	"github.com/delaneyj/changeparty/merge"
)

type fanoutConfig struct {
	name       string
	consumers  int // subscribers sharing one merge
	inners     int // inner streams behind the outer stream
	items      int // items per inner stream
	iterations int // updates pushed through the inner streams
}

type reading struct {
	id    int
	value int
}

func readingKey(r reading) int { return r.id }

type inner = changeset.Stream[changeset.Batch[int, reading]]

func main() {
	log.Print("Starting fan-out benchmark, please wait...")
	defer log.Print("Finished fan-out benchmark")

	cfgs := []fanoutConfig{
		{name: "single", consumers: 1, inners: 1, items: 10, iterations: 100_000},
		{name: "shared", consumers: 10, inners: 10, items: 10, iterations: 50_000},
		{name: "wide", consumers: 10, inners: 1_000, items: 10, iterations: 50_000},
		{name: "crowded", consumers: 1_000, inners: 10, items: 10, iterations: 5_000},
		{name: "heavy", consumers: 100, inners: 100, items: 1_000, iterations: 5_000},
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{
		"test", "consumers", "inners", "items", "nTimes",
		"materialize", "time", "deliveries", "deliveryRate",
	})

	testRepeats := 3
	for _, cfg := range cfgs {
		log.Printf("Running '%s' config", cfg.name)
		runOnce(cfg)

		var best result
		best.duration = time.Hour
		for i := 0; i < testRepeats; i++ {
			log.Printf("Running '%s' config, iteration %d/%d", cfg.name, i+1, testRepeats)
			if r := runOnce(cfg); r.duration < best.duration {
				best = r
			}
		}

		rate := float64(best.deliveries) / best.duration.Seconds()
		table.Append([]string{
			cfg.name,
			humanize.Comma(int64(cfg.consumers)),
			humanize.Comma(int64(cfg.inners)),
			humanize.Comma(int64(cfg.inners * cfg.items)),
			humanize.Comma(int64(cfg.iterations)),
			fmt.Sprint(best.materialize),
			fmt.Sprint(best.duration),
			humanize.Comma(best.deliveries),
			humanize.SIWithDigits(rate, 2, "/s"),
		})
	}
	table.Render()
}

type result struct {
	materialize time.Duration
	duration    time.Duration
	deliveries  int64
}

func runOnce(cfg fanoutConfig) result {
	outer := changeset.NewCache[int, inner](nil)
	caches := make([]*changeset.Cache[int, reading], cfg.inners)
	for i := range caches {
		c := changeset.NewCache(readingKey)
		for j := 0; j < cfg.items; j++ {
			c.AddOrUpdate(reading{id: i*cfg.items + j})
		}
		caches[i] = c
		outer.Edit(func(u *changeset.Updater[int, inner]) {
			u.Set(i, c.Connect())
		})
	}
	merged := merge.New[int, int, reading](outer.Connect())

	var deliveries atomic.Int64
	subs := make([]changeset.Subscription, cfg.consumers)

	start := time.Now()
	for i := range subs {
		subs[i] = merged.Subscribe(changeset.ObserverFuncs[changeset.Batch[int, reading]]{
			Next: func(b changeset.Batch[int, reading]) {
				deliveries.Add(int64(len(b)))
			},
			Error: func(err error) { log.Panic(err) },
		})
	}
	r := result{materialize: time.Since(start)}
	deliveries.Store(0)

	start = time.Now()
	for i := 0; i < cfg.iterations; i++ {
		c := caches[i%cfg.inners]
		id := (i%cfg.inners)*cfg.items + (i/cfg.inners)%cfg.items
		c.AddOrUpdate(reading{id: id, value: i})
	}
	r.duration = time.Since(start)
	r.deliveries = deliveries.Load()

	if want := int64(cfg.iterations * cfg.consumers); r.deliveries != want {
		log.Panicf("'%s': expected %d deliveries, got %d", cfg.name, want, r.deliveries)
	}
	if err := changeset.DisposeAll(subs...); err != nil {
		log.Panic(err)
	}
	return r
}
