// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package actor_test

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/holomush/caphost/internal/actor"
	"github.com/holomush/caphost/pkg/errutil"
)

type stubModule struct{ closed int }

func (m *stubModule) Close(context.Context) error {
	m.closed++
	return nil
}

func TestRegistry_Register(t *testing.T) {
	r := actor.NewRegistry()
	mod := &stubModule{}

	a, err := r.Register("MXACTOR", mod)
	require.NoError(t, err)
	assert.Equal(t, "MXACTOR", a.Subject)
	assert.Same(t, mod, a.Module)
	assert.NotZero(t, a.ID)
	assert.False(t, a.RegisteredAt.IsZero())

	got, err := r.Lookup("MXACTOR")
	require.NoError(t, err)
	assert.Same(t, a, got)
	assert.True(t, r.Has("MXACTOR"))
}

func TestRegistry_RegisterDuplicate(t *testing.T) {
	r := actor.NewRegistry()
	first, err := r.Register("MXACTOR", nil)
	require.NoError(t, err)

	_, err = r.Register("MXACTOR", &stubModule{})
	errutil.AssertErrorCode(t, err, errutil.CodeDuplicateActor)
	errutil.AssertErrorContext(t, err, "subject", "MXACTOR")

	got, err := r.Lookup("MXACTOR")
	require.NoError(t, err)
	assert.Same(t, first, got, "failed registration must not replace the existing actor")
}

func TestRegistry_RegisterEmptySubject(t *testing.T) {
	r := actor.NewRegistry()
	_, err := r.Register("", nil)
	errutil.AssertErrorCode(t, err, errutil.CodeInvalidArgument)
	assert.Equal(t, 0, r.Len())
}

func TestRegistry_Remove(t *testing.T) {
	r := actor.NewRegistry()
	a, err := r.Register("MXACTOR", nil)
	require.NoError(t, err)

	removed, err := r.Remove("MXACTOR")
	require.NoError(t, err)
	assert.Same(t, a, removed)

	_, err = r.Lookup("MXACTOR")
	errutil.AssertErrorCode(t, err, errutil.CodeUnknownActor)

	_, err = r.Remove("MXACTOR")
	errutil.AssertErrorCode(t, err, errutil.CodeUnknownActor)
}

func TestRegistry_ReRegisterGetsNewInstanceID(t *testing.T) {
	r := actor.NewRegistry()
	first, err := r.Register("MXACTOR", nil)
	require.NoError(t, err)
	_, err = r.Remove("MXACTOR")
	require.NoError(t, err)

	second, err := r.Register("MXACTOR", nil)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)
}

func TestRegistry_SubjectsSorted(t *testing.T) {
	r := actor.NewRegistry()
	for _, s := range []string{"MC", "MA", "MB"} {
		_, err := r.Register(s, nil)
		require.NoError(t, err)
	}
	assert.Equal(t, []string{"MA", "MB", "MC"}, r.Subjects())
	assert.Equal(t, 3, r.Len())
}

func TestRegistry_ConcurrentRegisterSameSubjectOneWins(t *testing.T) {
	r := actor.NewRegistry()
	var wins atomic.Int32
	var wg sync.WaitGroup
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := r.Register("MXACTOR", nil); err == nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
}

func TestRegistry_ConcurrentDisjointSubjects(t *testing.T) {
	r := actor.NewRegistry()
	var wg sync.WaitGroup
	for i := range 64 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			subject := fmt.Sprintf("M%03d", i)
			_, err := r.Register(subject, nil)
			assert.NoError(t, err)
			_, err = r.Lookup(subject)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, 64, r.Len())
}
