package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestQuorum(t *testing.T) {
	tests := []struct {
		name        string
		owners      []string
		acks        []string
		reached     bool
		outstanding []string
	}{
		{name: "none yet", owners: []string{"a", "b"}, reached: false, outstanding: []string{"a", "b"}},
		{name: "half", owners: []string{"a", "b"}, acks: []string{"a"}, reached: false, outstanding: []string{"b"}},
		{name: "all", owners: []string{"a", "b"}, acks: []string{"b", "a"}, reached: true, outstanding: []string{}},
		{name: "duplicate owners collapse", owners: []string{"a", "a", "b"}, acks: []string{"a", "b"}, reached: true, outstanding: []string{}},
		{name: "duplicate acks collapse", owners: []string{"a", "b"}, acks: []string{"a", "a"}, reached: false, outstanding: []string{"b"}},
		{name: "zero owners never reach", owners: nil, acks: nil, reached: false, outstanding: []string{}},
		{name: "zero owners with stray ack", owners: nil, acks: []string{"x"}, reached: false, outstanding: []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := NewQuorum(tt.owners, tt.acks)
			assert.Equal(t, tt.reached, q.Reached())
			assert.ElementsMatch(t, tt.outstanding, q.Outstanding())
		})
	}
}

func TestQuorumOrderDoesNotMatter(t *testing.T) {
	owners := []string{"gm-a", "gm-b", "gm-c"}
	orders := [][]string{
		{"gm-a", "gm-b", "gm-c"},
		{"gm-c", "gm-a", "gm-b"},
		{"gm-b", "gm-c", "gm-a"},
	}
	for _, order := range orders {
		var acked []string
		for i, u := range order {
			acked = append(acked, u)
			q := NewQuorum(owners, acked)
			assert.Equal(t, i == len(order)-1, q.Reached(), "order %v step %d", order, i)
		}
		q := NewQuorum(owners, acked)
		assert.Equal(t, 3, q.AcknowledgedCount())
		assert.Equal(t, 3, q.RequiredCount())
	}
}

func TestQuorumIsOwner(t *testing.T) {
	q := NewQuorum([]string{"a"}, nil)
	assert.True(t, q.IsOwner("a"))
	assert.False(t, q.IsOwner("b"))
}
