package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassifyMapsKnownKinds(t *testing.T) {
	assert.Equal(t, ClassDirectMessage, Classify(KindDirectMessage))
	assert.Equal(t, ClassPublicNote, Classify(KindPublicNote))
	assert.Equal(t, ClassPaymentReceipt, Classify(KindPaymentReceipt))
	assert.Equal(t, ClassBalanceRequest, Classify(KindBalanceRequest))
}

func TestClassifyMapsUnknownKindToUnknown(t *testing.T) {
	assert.Equal(t, ClassUnknown, Classify(Kind(9999)))
}

func TestTagLookup(t *testing.T) {
	e := &Event{Tags: []Tag{{"p", "peer1"}, {"e", "evt1", "", "reply"}}}

	v, ok := e.Tag("p")
	assert.True(t, ok)
	assert.Equal(t, "peer1", v)

	_, ok = e.Tag("missing")
	assert.False(t, ok)

	full, ok := e.TagFull("e")
	assert.True(t, ok)
	assert.Equal(t, Tag{"e", "evt1", "", "reply"}, full)
}

func TestTagKeyValueOnEmptyTag(t *testing.T) {
	var tag Tag
	assert.Equal(t, "", tag.Key())
	assert.Equal(t, "", tag.Value())
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "direct_message", KindDirectMessage.String())
	assert.Equal(t, "kind_42", Kind(42).String())
}
