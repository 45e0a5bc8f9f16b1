package main

import (
	"context"
	"fmt"
	"os"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/juju/errors"
	"github.com/urfave/cli/v3"

	"github.com/delaneyj/changeparty/autorefresh"
	"github.com/delaneyj/changeparty/changeset"
	"github.com/delaneyj/changeparty/merge"
	"github.com/delaneyj/changeparty/reevaluate"
)

type sensor struct {
	id      int
	reading *changeset.Property[string]
}

func (s *sensor) String() string {
	return fmt.Sprintf("sensor(%d, %s)", s.id, s.reading.Value())
}

func newSensor(id int, reading string) *sensor {
	return &sensor{id: id, reading: changeset.NewProperty(reading)}
}

func distinctReadings(items []changeset.KeyValue[int, *sensor]) string {
	seen := mapset.NewThreadUnsafeSet[string]()
	for _, kv := range items {
		seen.Add(kv.Value.reading.Value())
	}
	return fmt.Sprintf("%d distinct readings", seen.Cardinality())
}

func runAutoRefresh(ctx context.Context, cmd *cli.Command) error {
	defer timed(cmd.Name)()
	window := cmd.Duration(windowKey)

	sensors := []*sensor{
		newSensor(1, "A"), newSensor(2, "A"), newSensor(3, "B"),
		newSensor(4, "C"), newSensor(5, "D"), newSensor(6, "D"),
	}
	cache := changeset.NewCache(func(s *sensor) int { return s.id })
	cache.AddOrUpdate(sensors...)

	out := newPrinter(os.Stdout, cmd.Name, distinctReadings)
	stream := autorefresh.New(cache.Connect(), func(_ int, s *sensor) (changeset.Stream[string], error) {
		return s.reading.Changes(), nil
	},
		autorefresh.WithBuffer(window),
		autorefresh.WithLogger(logger(cmd)),
	)
	sub := stream.Subscribe(out)

	sensors[2].reading.SetValue("A")
	if err := settle(ctx, window); err != nil {
		return errors.Trace(err)
	}
	cache.RemoveKeys(4)
	cache.AddOrUpdate(newSensor(10, "z"))
	sensors[0].reading.SetValue("Q")
	sensors[1].reading.SetValue("Q")
	if err := settle(ctx, window); err != nil {
		return errors.Trace(err)
	}

	return errors.Annotate(sub.Dispose(), "releasing auto refresh")
}

// settle waits for a buffer window to close.
func settle(ctx context.Context, window time.Duration) error {
	if window <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(2 * window):
		return nil
	}
}

type member struct {
	name string
	team string
}

func (m *member) String() string {
	return m.name + "@" + m.team
}

func runReevaluate(ctx context.Context, cmd *cli.Command) error {
	defer timed(cmd.Name)()

	members := []*member{
		{"ann", "A"}, {"bob", "A"}, {"cid", "B"},
		{"dee", "C"}, {"eve", "D"}, {"fay", "D"},
	}
	cache := changeset.NewCache(func(m *member) string { return m.name })
	cache.AddOrUpdate(members...)
	trigger := changeset.NewSubject[struct{}]()

	out := newPrinter(os.Stdout, cmd.Name, func(items []changeset.KeyValue[string, *member]) string {
		teams := mapset.NewThreadUnsafeSet[string]()
		for _, kv := range items {
			teams.Add(kv.Value.team)
		}
		return fmt.Sprintf("%d distinct teams", teams.Cardinality())
	})

	published := changeset.Publish(cache.Connect())
	sub := reevaluate.New[string, *member, struct{}](published, trigger,
		reevaluate.WithLogger(logger(cmd)),
	).Subscribe(out)
	conn := published.Connect()

	// Silent mutation: nothing is delivered until the trigger fires.
	members[2].team = "A"
	trigger.OnNext(struct{}{})

	cache.RemoveKeys("dee")
	cache.AddOrUpdate(&member{"gus", "z"})
	cache.Complete()

	return errors.Trace(changeset.DisposeAll(conn, sub))
}

type animal struct {
	id   int
	name string
}

func (a animal) String() string { return a.name }

type pen = changeset.Stream[changeset.Batch[int, animal]]

func runMerge(ctx context.Context, cmd *cli.Command) error {
	defer timed(cmd.Name)()
	consumers := int(cmd.Uint(consumersKey))
	if consumers < 1 {
		return errors.NotValidf("%d consumers", consumers)
	}

	pens := map[string]*changeset.Cache[int, animal]{}
	zoo := changeset.NewCache[string, pen](nil)
	addPen := func(name string, animals ...animal) *changeset.Cache[int, animal] {
		c := changeset.NewCache(func(a animal) int { return a.id })
		c.AddOrUpdate(animals...)
		pens[name] = c
		zoo.Edit(func(u *changeset.Updater[string, pen]) {
			u.Set(name, c.Connect())
		})
		return c
	}
	addPen("cats", animal{1, "lion"}, animal{2, "tiger"})
	addPen("birds", animal{10, "owl"}, animal{11, "heron"}, animal{12, "crow"})

	merged := merge.New[string, int, animal](zoo.Connect(), merge.WithLogger(logger(cmd)))
	subs := make([]changeset.Subscription, consumers)
	for i := range subs {
		title := fmt.Sprintf("%s[%d]", cmd.Name, i)
		var out changeset.Observer[changeset.Batch[int, animal]] = changeset.ObserverFuncs[changeset.Batch[int, animal]]{}
		if i == 0 {
			out = newPrinter(os.Stdout, title, func(items []changeset.KeyValue[int, animal]) string {
				return fmt.Sprintf("%d animals", len(items))
			})
		}
		subs[i] = merged.Subscribe(out)
	}
	fmt.Fprintf(os.Stdout, "%d consumers share %d materialization(s)\n", merged.Refs(), merged.Materializations())

	pens["cats"].AddOrUpdate(animal{3, "lynx"})
	addPen("bugs", animal{20, "ant"})
	zoo.RemoveKeys("birds")
	pens["bugs"].Evaluate()

	if err := changeset.DisposeAll(subs...); err != nil {
		return errors.Trace(err)
	}
	fmt.Fprintf(os.Stdout, "active after dispose: %v\n", merged.Active())
	return nil
}
