package subscription

import (
	"errors"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/toolink/msgbus/handler"
)

type Animal struct{ Name string }

func (a Animal) Sound() string { return a.Name + " makes a sound" }

type Dog struct {
	Animal
	Breed string
}

type Cat struct{ Animal }

type Sounder interface{ Sound() string }

var (
	animalT = reflect.TypeOf(Animal{})
	dogT    = reflect.TypeOf(Dog{})
	catT    = reflect.TypeOf(Cat{})
)

var errRefused = errors.New("refused")

// journal records handler invocations.
type journal struct {
	mu    sync.Mutex
	calls []string
	args  [][]any
}

func (j *journal) add(name string, args ...any) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.calls = append(j.calls, name)
	j.args = append(j.args, args)
}

func (j *journal) names() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.calls...)
}

type animalListener struct{ journal }

func (l *animalListener) MessageHandlers() []handler.Definition {
	return []handler.Definition{handler.On("OnAnimal")}
}
func (l *animalListener) OnAnimal(a Animal) { l.add("OnAnimal", a) }

type strictAnimalListener struct{ journal }

func (l *strictAnimalListener) MessageHandlers() []handler.Definition {
	return []handler.Definition{handler.On("OnStrictAnimal", handler.RejectSubtypes())}
}
func (l *strictAnimalListener) OnStrictAnimal(a Animal) { l.add("OnStrictAnimal", a) }

type dogListener struct{ journal }

func (l *dogListener) MessageHandlers() []handler.Definition {
	return []handler.Definition{handler.On("OnDog")}
}
func (l *dogListener) OnDog(d Dog) { l.add("OnDog", d) }

type sounderListener struct{ journal }

func (l *sounderListener) MessageHandlers() []handler.Definition {
	return []handler.Definition{handler.On("OnSound")}
}
func (l *sounderListener) OnSound(s Sounder) { l.add("OnSound", s.Sound()) }

type pairListener struct{ journal }

func (l *pairListener) MessageHandlers() []handler.Definition {
	return []handler.Definition{
		handler.On("OnPair"),
		handler.On("OnCats"),
		handler.On("OnTriple"),
	}
}
func (l *pairListener) OnPair(a Animal, d Dog)     { l.add("OnPair", a, d) }
func (l *pairListener) OnCats(c1, c2 Cat)          { l.add("OnCats", c1, c2) }
func (l *pairListener) OnTriple(a1, a2, a3 Animal) { l.add("OnTriple", a1, a2, a3) }

type strictPairListener struct{ journal }

func (l *strictPairListener) MessageHandlers() []handler.Definition {
	return []handler.Definition{handler.On("OnStrictPair", handler.RejectSubtypes())}
}
func (l *strictPairListener) OnStrictPair(c Cat, d Dog) { l.add("OnStrictPair", c, d) }

type varListener struct{ journal }

func (l *varListener) MessageHandlers() []handler.Definition {
	return []handler.Definition{
		handler.On("OnDogs"),
		handler.On("OnAnimals"),
		handler.On("OnStrictAnimals", handler.RejectSubtypes()),
		handler.On("OnDogSlice"),
	}
}
func (l *varListener) OnDogs(ds ...Dog)             { l.add("OnDogs", ds) }
func (l *varListener) OnAnimals(as ...Animal)       { l.add("OnAnimals", as) }
func (l *varListener) OnStrictAnimals(as ...Animal) { l.add("OnStrictAnimals", as) }
func (l *varListener) OnDogSlice(ds []Dog)          { l.add("OnDogSlice", ds) }

type faultyListener struct{ journal }

func (l *faultyListener) MessageHandlers() []handler.Definition {
	return []handler.Definition{
		handler.On("OnDog"),
		handler.On("OnAnimal"),
	}
}
func (l *faultyListener) OnDog(d Dog) error { return errRefused }
func (l *faultyListener) OnAnimal(a Animal) { panic("boom") }

type weakListener struct {
	hits *atomic.Int32
}

func (l *weakListener) MessageHandlers() []handler.Definition {
	return []handler.Definition{handler.On("OnDog", handler.WithReference(handler.Weak))}
}
func (l *weakListener) OnDog(d Dog) { l.hits.Add(1) }

type undecidedListener struct {
	hits *atomic.Int32
}

func (l *undecidedListener) MessageHandlers() []handler.Definition {
	return []handler.Definition{handler.On("OnDog")}
}
func (l *undecidedListener) OnDog(d Dog) { l.hits.Add(1) }

type emptyListener struct{}

func (l *emptyListener) MessageHandlers() []handler.Definition {
	return []handler.Definition{handler.On("OnDog", handler.WithReference(handler.Weak))}
}
func (l *emptyListener) OnDog(d Dog) {}

var reader = handler.NewReader()

func subscribe(t *testing.T, idx *Index, listener any) {
	t.Helper()
	ds, err := reader.Read(listener)
	require.NoError(t, err)
	require.NoError(t, idx.Subscribe(listener, ds))
}

func handlerNames(subs []*Subscription) []string {
	out := make([]string, len(subs))
	for i, s := range subs {
		out[i] = s.Handler().Name
	}
	return out
}

type sounderVarListener struct{ journal }

func (l *sounderVarListener) MessageHandlers() []handler.Definition {
	return []handler.Definition{handler.On("OnSounds")}
}
func (l *sounderVarListener) OnSounds(ss ...Sounder) { l.add("OnSounds", ss) }
