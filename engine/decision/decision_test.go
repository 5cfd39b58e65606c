package decision

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stepflow/engine/engine/errdomain"
)

func TestDecision_OnlyMatchingAccessorSucceeds(t *testing.T) {
	d := Done(200, nil, []byte("ok"))

	_, ok := d.AsDone()
	assert.True(t, ok, "AsDone should succeed for a Done decision")

	_, ok = d.AsFail()
	assert.False(t, ok, "AsFail should fail for a Done decision")

	_, ok = d.AsNeed()
	assert.False(t, ok, "AsNeed should fail for a Done decision")
}

func TestDecision_Fail(t *testing.T) {
	d := Fail(errdomain.NotFound("todo", "42"))

	err, ok := d.AsFail()
	require.True(t, ok, "AsFail should succeed for a Fail decision")
	assert.Equal(t, errdomain.KindNotFound, err.Kind)
}

func TestDecision_Need(t *testing.T) {
	d := NeedDecision(Need{Mode: Parallel, Join: JoinAllRequired, Resume: "render"})

	n, ok := d.AsNeed()
	require.True(t, ok, "AsNeed should succeed for a Need decision")
	assert.Equal(t, "render", n.Resume)
	assert.Equal(t, Parallel, n.Mode)
	assert.Equal(t, JoinAllRequired, n.Join)
}

func TestRetryPolicy_Delay(t *testing.T) {
	r := RetryPolicy{
		InitialDelay: 20 * time.Millisecond,
		MaxDelay:     100 * time.Millisecond,
		Multiplier:   2,
	}

	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 20 * time.Millisecond},
		{2, 40 * time.Millisecond},
		{3, 80 * time.Millisecond},
		{4, 100 * time.Millisecond}, // clamped to max
	}

	for _, c := range cases {
		assert.Equal(t, c.want, r.Delay(c.attempt), "Delay(%d)", c.attempt)
	}
}
