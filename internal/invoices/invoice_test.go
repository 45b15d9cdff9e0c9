package invoices

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func testRegistry(t *testing.T) *Registry {
	t.Helper()
	reg, err := NewRegistry(map[string]StatusInfo{
		"10": {Message: "pending", Type: TypePending},
		"81": {Message: "in transit", Type: TypeTransit},
		"1":  {Message: "delivered", Type: TypeFinal},
	}, "10")
	require.NoError(t, err)
	return reg
}

func TestRegistry(t *testing.T) {
	reg := testRegistry(t)
	require.True(t, reg.Valid("81"))
	require.False(t, reg.Valid("99"))
	require.Equal(t, "10", reg.Pending())
	require.Equal(t, []string{"1", "10", "81"}, reg.Codes())

	st, err := reg.Status("1")
	require.NoError(t, err)
	require.Equal(t, Status{Code: "1", Message: "delivered", Type: TypeFinal}, st)

	_, err = reg.Status("99")
	require.ErrorIs(t, err, ErrInvalidCode)
}

func TestNewRegistry_Validation(t *testing.T) {
	_, err := NewRegistry(nil, "10")
	require.Error(t, err)

	_, err = NewRegistry(map[string]StatusInfo{"A": {}}, "A")
	require.Error(t, err)

	_, err = NewRegistry(map[string]StatusInfo{"1": {}}, "10")
	require.Error(t, err)
}

func TestDefaultRegistry_HasPending(t *testing.T) {
	reg := DefaultRegistry()
	require.True(t, reg.Valid(DefaultPendingCode))
	require.Equal(t, TypePending, reg.PendingStatus().Type)
	require.Same(t, reg, DefaultRegistry())
	for _, c := range reg.Codes() {
		info, ok := reg.Lookup(c)
		require.True(t, ok)
		require.NotEmpty(t, info.Message)
	}
}

func TestList_SeedIsIdempotent(t *testing.T) {
	reg := testRegistry(t)

	l := List{}.Seed(reg, []string{"A", "B", "A", " "})
	require.Equal(t, []string{"A", "B"}, l.Keys())
	require.Equal(t, "10", l[0].Status.Code)

	again := l.Seed(reg, []string{"A", "B"})
	require.Equal(t, l, again)
}

func TestList_SeedKeepsProgress(t *testing.T) {
	reg := testRegistry(t)

	l := List{}.Seed(reg, []string{"A", "B"})
	l, _, err := l.Update(reg, []string{"A"}, "81")
	require.NoError(t, err)

	l = l.Seed(reg, []string{"A", "B", "C"})
	a, _ := l.Find("A")
	c, _ := l.Find("C")
	require.Equal(t, "81", a.Status.Code)
	require.Equal(t, "10", c.Status.Code)
	require.Len(t, l, 3)
}

func TestList_UpdateAll(t *testing.T) {
	reg := testRegistry(t)
	l := List{}.Seed(reg, []string{"A", "B", "C"})

	out, changed, err := l.Update(reg, nil, "81")
	require.NoError(t, err)
	require.Len(t, changed, 3)
	for _, inv := range out {
		require.Equal(t, Status{Code: "81", Message: "in transit", Type: TypeTransit}, inv.Status)
	}
	// the receiver is left untouched
	require.Equal(t, "10", l[0].Status.Code)
}

func TestList_UpdateSelected(t *testing.T) {
	reg := testRegistry(t)
	l := List{}.Seed(reg, []string{"A", "B", "C"})

	out, changed, err := l.Update(reg, []string{"B", "Z"}, "1")
	require.NoError(t, err)
	require.Equal(t, []Invoice{{Key: "B", Status: Status{Code: "1", Message: "delivered", Type: TypeFinal}}}, changed)

	a, _ := out.Find("A")
	c, _ := out.Find("C")
	require.Equal(t, "10", a.Status.Code)
	require.Equal(t, "10", c.Status.Code)
}

func TestList_UpdateInvalidCode(t *testing.T) {
	reg := testRegistry(t)
	l := List{}.Seed(reg, []string{"A"})

	out, changed, err := l.Update(reg, nil, "99")
	require.ErrorIs(t, err, ErrInvalidCode)
	require.Nil(t, changed)
	require.Equal(t, l, out)
}

func TestList_LegacyUpgrade(t *testing.T) {
	var l List
	require.NoError(t, json.Unmarshal([]byte(`["K1","K2","K1"]`), &l))
	require.Equal(t, []string{"K1", "K2"}, l.Keys())
	require.Equal(t, DefaultPendingCode, l[0].Status.Code)
	require.NotEmpty(t, l[0].Status.Message)

	b, err := json.Marshal(l)
	require.NoError(t, err)

	var again List
	require.NoError(t, json.Unmarshal(b, &again))
	require.Equal(t, l, again)
}

func TestList_DecodeMixedAndNull(t *testing.T) {
	reg := testRegistry(t)

	l, err := DecodeList([]byte(`["A", {"key":"B","status":{"code":"81","message":"in transit","type":"transit"}}, {"key":"C"}]`), reg)
	require.NoError(t, err)
	require.Len(t, l, 3)
	require.Equal(t, "10", l[0].Status.Code)
	require.Equal(t, "81", l[1].Status.Code)
	require.Equal(t, "10", l[2].Status.Code)

	l, err = DecodeList([]byte(`null`), reg)
	require.NoError(t, err)
	require.Empty(t, l)

	_, err = DecodeList([]byte(`{"not":"a list"}`), reg)
	require.Error(t, err)
}
