package realtime

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestChangeFilter_Match(t *testing.T) {
	insert := Change{Table: "messages", Type: ChangeInsert, Record: json.RawMessage(`{"id":"m1","channel_id":"general"}`)}
	del := Change{Table: "messages", Type: ChangeDelete, OldRecord: json.RawMessage(`{"id":"m1","channel_id":"general"}`)}
	other := Change{Table: "channels", Type: ChangeInsert, Record: json.RawMessage(`{"id":"c1","server_id":"general"}`)}

	tests := []struct {
		name   string
		filter ChangeFilter
		change Change
		want   bool
	}{
		{"table only", ChangeFilter{Table: "messages"}, insert, true},
		{"other table", ChangeFilter{Table: "messages"}, other, false},
		{"column match", ChangeFilter{Table: "messages", Column: "channel_id", Value: "general"}, insert, true},
		{"column mismatch", ChangeFilter{Table: "messages", Column: "channel_id", Value: "random"}, insert, false},
		{"delete uses old record", ChangeFilter{Table: "messages", Column: "channel_id", Value: "general"}, del, true},
		{"type restricted", ChangeFilter{Table: "messages", Types: []ChangeType{ChangeInsert}}, del, false},
		{"type allowed", ChangeFilter{Table: "messages", Types: []ChangeType{ChangeInsert, ChangeDelete}}, del, true},
		{"missing column", ChangeFilter{Table: "messages", Column: "parent_id", Value: "x"}, insert, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.filter.Match(tt.change))
		})
	}
}

func TestChange_ColumnNumbers(t *testing.T) {
	c := Change{Record: json.RawMessage(`{"order_index":3,"name":null}`)}
	v, ok := c.Column("order_index")
	assert.True(t, ok)
	assert.Equal(t, "3", v)

	_, ok = c.Column("name")
	assert.False(t, ok)
}
