package plan

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeKeepsFieldOrder(t *testing.T) {
	p, err := Decode([]byte(`{"operations":[{"action":"create","entity":"member","fields":{"username":"wangx","name":"小王"}}]}`))
	require.NoError(t, err)
	require.Len(t, p.Operations, 1)
	op := p.Operations[0]
	assert.Equal(t, ActionCreate, op.Action)
	assert.Equal(t, EntityMember, op.Entity)
	assert.Equal(t, []string{"username", "name"}, op.Fields.Names())
	assert.False(t, p.NeedsClarification())
}

func TestDecodeRejectsOutsideSchema(t *testing.T) {
	cases := map[string]string{
		"unknown field":     `{"operations":[{"action":"update","entity":"item","target":"x","fields":{"colour":"red"}}]}`,
		"unknown key":       `{"operations":[{"action":"update","entity":"item","target":"x","priority":1}]}`,
		"unknown action":    `{"operations":[{"action":"archive","entity":"item","target":"x"}]}`,
		"unknown entity":    `{"operations":[{"action":"create","entity":"vendor","fields":{"name":"x"}}]}`,
		"top-level extra":   `{"operations":[],"confidence":0.4}`,
		"create no name":    `{"operations":[{"action":"create","entity":"item","fields":{"status":"normal"}}]}`,
		"update no target":  `{"operations":[{"action":"update","entity":"item","fields":{"status":"normal"}}]}`,
		"nested object":     `{"operations":[{"action":"update","entity":"item","target":"x","fields":{"status":{"v":1}}}]}`,
		"event name field":  `{"operations":[{"action":"create","entity":"event","fields":{"name":"demo"}}]}`,
		"missing action":    `{"operations":[{"entity":"item","target":"x"}]}`,
		"duplicated fields": `{"operations":[{"action":"update","entity":"item","target":"x","fields":{"status":"lost","Status":"broken"}}]}`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Decode([]byte(raw))
			assert.Error(t, err)
		})
	}
}

func TestDecodeFlattensValues(t *testing.T) {
	p, err := Decode([]byte(`{"operations":[{"action":"update","entity":"item","target":"示波器","fields":{"quantity":3,"responsible_members":["Ben","Amy"],"description":null}}],"clarification":""}`))
	require.NoError(t, err)
	op := p.Operations[0]
	q, _ := op.Fields.Get("quantity")
	assert.Equal(t, "3", q)
	m, _ := op.Fields.Get("responsible_members")
	assert.Equal(t, "Ben, Amy", m)
	d, ok := op.Fields.Get("description")
	assert.True(t, ok)
	assert.Empty(t, d)
}

func TestEmptyPlanIsValid(t *testing.T) {
	p, err := Decode([]byte(`{"operations":[]}`))
	require.NoError(t, err)
	assert.Empty(t, p.Operations)
	assert.False(t, p.NeedsClarification())
}

func TestDeleteFallsBackToBaseField(t *testing.T) {
	p, err := Decode([]byte(`{"operations":[{"action":"delete","entity":"location","fields":{"name":"B203"}}]}`))
	require.NoError(t, err)
	assert.Equal(t, "B203", p.Operations[0].TargetName())
}

func TestFieldSetRoundTripOrder(t *testing.T) {
	fs := FieldSet{{Name: "status", Value: "lost"}, {Name: "name", Value: "Probe"}}
	b, err := json.Marshal(fs)
	require.NoError(t, err)
	assert.Equal(t, `{"status":"lost","name":"Probe"}`, string(b))
}

func TestExtractJSON(t *testing.T) {
	got, err := ExtractJSON("```json\n{\"operations\":[]}\n```")
	require.NoError(t, err)
	assert.Equal(t, `{"operations":[]}`, got)

	_, err = ExtractJSON("I cannot help with that")
	assert.Error(t, err)
}

func TestCanonical(t *testing.T) {
	status, _ := Spec(EntityItem, "status")
	quantity, _ := Spec(EntityItem, "quantity")
	value, _ := Spec(EntityItem, "value")
	purchase, _ := Spec(EntityItem, "purchase_date")
	members, _ := Spec(EntityItem, "responsible_members")

	v, err := Canonical(status, "借出")
	require.NoError(t, err)
	assert.Equal(t, "borrowed", v)

	v, err = Canonical(status, "Broken")
	require.NoError(t, err)
	assert.Equal(t, "broken", v)

	_, err = Canonical(status, "misplaced")
	assert.Error(t, err)

	_, err = Canonical(quantity, "abc")
	assert.ErrorContains(t, err, "integer")

	_, err = Canonical(quantity, "-1")
	assert.Error(t, err)

	v, err = Canonical(value, "12.50")
	require.NoError(t, err)
	assert.Equal(t, "12.5", v)

	for _, raw := range []string{"NaN", "nan", "Inf", "-Infinity", "+inf", "1e400"} {
		_, err = Canonical(value, raw)
		assert.ErrorContains(t, err, "must be a number", raw)
	}

	v, err = Canonical(purchase, "2024/03/05")
	require.NoError(t, err)
	assert.Equal(t, "2024-03-05", v)

	v, err = Canonical(purchase, "2024-03-05T09:30")
	require.NoError(t, err)
	assert.Equal(t, "2024-03-05 09:30", v)

	v, err = Canonical(members, "Ben，Amy、ben; Cara")
	require.NoError(t, err)
	assert.Equal(t, "Ben, Amy, Cara", v)
}

func TestSameValue(t *testing.T) {
	members, _ := Spec(EntityItem, "responsible_members")
	value, _ := Spec(EntityItem, "value")
	status, _ := Spec(EntityItem, "status")

	assert.True(t, SameValue(members, "amy, Ben", "Ben, Amy"))
	assert.False(t, SameValue(members, "Amy", "Ben, Amy"))
	assert.True(t, SameValue(value, "12.50", "12.5"))
	assert.True(t, SameValue(status, "借出", "borrowed"))
	assert.False(t, SameValue(status, "lost", "borrowed"))
}

func TestMergeLaw(t *testing.T) {
	first := NewResult([]ExecutionEntry{
		{OperationID: "op-1", Success: true, Message: "created member 小王"},
		{OperationID: "op-2", Success: false, Message: "quantity must be an integer"},
		{OperationID: "op-3", Success: true, Message: "updated item Probe"},
	}, nil)
	retry := NewResult([]ExecutionEntry{
		{OperationID: "op-1", Success: true, Message: "updated item 示波器"},
	}, nil)

	merged := Merge(first, retry)
	require.Len(t, merged.Entries, 3)
	assert.Equal(t, "[first-pass] created member 小王", merged.Entries[0].Message)
	assert.Equal(t, "[first-pass] updated item Probe", merged.Entries[1].Message)
	assert.Equal(t, "[repair] updated item 示波器", merged.Entries[2].Message)
	assert.Equal(t, "2 succeeded, 1 failed", first.Summary())
	assert.Equal(t, "3 succeeded, 0 failed", merged.Summary())

	// inputs untouched
	assert.Equal(t, "created member 小王", first.Entries[0].Message)
	assert.Equal(t, "updated item 示波器", retry.Entries[0].Message)
}

func TestResultJSONCarriesCounts(t *testing.T) {
	r := NewResult([]ExecutionEntry{{OperationID: "op-1", Success: false, Message: "target not found"}}, nil)
	b, err := json.Marshal(r)
	require.NoError(t, err)
	assert.JSONEq(t, `{"entries":[{"operationId":"op-1","success":false,"message":"target not found"}],"successCount":0,"failureCount":1,"summary":"0 succeeded, 1 failed"}`, string(b))
}
