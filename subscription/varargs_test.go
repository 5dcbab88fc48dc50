package subscription

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/toolink/msgbus/hierarchy"
)

func TestVarArgResolver(t *testing.T) {
	idx := NewIndex(hierarchy.New(), true)
	assert.False(t, idx.VarArgPossible())

	subscribe(t, idx, &varListener{})
	assert.True(t, idx.VarArgPossible())

	r := idx.VarArgs()

	// plain slice parameters are not variadic
	assert.Equal(t, []string{"OnDogs"}, handlerNames(r.VarArgExact(dogT)))
	assert.Equal(t, []string{"OnAnimals", "OnStrictAnimals"}, handlerNames(r.VarArgExact(animalT)))

	assert.Equal(t, []string{"OnAnimals"}, handlerNames(r.VarArgSuper(dogT)))
	assert.Empty(t, r.VarArgSuper(animalT))
	assert.NotNil(t, r.VarArgSuper(animalT))
	assert.NotNil(t, r.VarArgExact(catT))
	assert.Empty(t, r.VarArgExact(catT))
}

func TestVarArgResolver_MultipleMessages(t *testing.T) {
	idx := NewIndex(hierarchy.New(), true)
	subscribe(t, idx, &varListener{})
	r := idx.VarArgs()

	// same type: the exact path covers OnDogs
	assert.Equal(t, []string{"OnAnimals"}, handlerNames(r.VarArgSuper2(dogT, dogT)))

	// mixed types only reach a common ancestor
	assert.Equal(t, []string{"OnAnimals"}, handlerNames(r.VarArgSuper2(dogT, catT)))
	assert.Equal(t, []string{"OnAnimals"}, handlerNames(r.VarArgSuper2(animalT, dogT)))
	assert.Equal(t, []string{"OnAnimals"}, handlerNames(r.VarArgSuper3(dogT, dogT, catT)))

	assert.Empty(t, r.VarArgSuper2(animalT, animalT))
	assert.NotNil(t, r.VarArgSuper2(animalT, animalT))
}

func TestVarArgResolver_InterfaceElement(t *testing.T) {
	idx := NewIndex(hierarchy.New(), true)
	subscribe(t, idx, &sounderVarListener{})
	r := idx.VarArgs()

	assert.Equal(t, []string{"OnSounds"}, handlerNames(r.VarArgSuper(dogT)))
	assert.Equal(t, []string{"OnSounds"}, handlerNames(r.VarArgSuper2(dogT, catT)))
}

func TestVarArgResolver_MemoIsRetired(t *testing.T) {
	idx := NewIndex(hierarchy.New(), true)
	r := idx.VarArgs()
	assert.Empty(t, r.VarArgSuper(dogT))

	l := &varListener{}
	subscribe(t, idx, l)
	assert.Len(t, r.VarArgSuper(dogT), 1)

	idx.Unsubscribe(l)
	assert.Empty(t, r.VarArgSuper(dogT))
}
