package screens

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
	"pgregory.net/rapid"

	"github.com/zjrosen/screenqueue/internal/protocol"
	"github.com/zjrosen/screenqueue/internal/pubsub"
)

type greetParams struct {
	Name string `json:"name"`
}

type countingResources struct {
	*BasicResources
	disposals *atomic.Int32
}

type greetModel struct {
	props  Props
	params greetParams
}

func (m greetModel) Init() tea.Cmd                       { return nil }
func (m greetModel) Update(tea.Msg) (tea.Model, tea.Cmd) { return m, nil }
func (m greetModel) View() string                        { return "hello " + m.params.Name }

func greetScreen(ready bool, disposals *atomic.Int32) Screen {
	return Define("greet",
		JSONParams(func(p greetParams) error {
			if p.Name == "" {
				return errors.New("name required")
			}
			return nil
		}),
		func(_ *Context, _ greetParams, _ RefreshFunc) *countingResources {
			res := &countingResources{disposals: disposals}
			res.BasicResources = NewResources(func() { disposals.Inc() })
			if ready {
				res.MarkReady()
			}
			return res
		},
		func(props Props, params greetParams, _ *countingResources) tea.Model {
			return greetModel{props: props, params: params}
		},
	)
}

func TestRegistry_RejectsDuplicates(t *testing.T) {
	n := atomic.NewInt32(0)
	_, err := NewRegistry(greetScreen(true, n), greetScreen(true, n))
	require.ErrorContains(t, err, "duplicate screen slug: greet")
}

func TestRegistry_Instantiate(t *testing.T) {
	reg, err := NewRegistry(greetScreen(true, atomic.NewInt32(0)))
	require.NoError(t, err)
	require.Equal(t, []string{"greet"}, reg.Slugs())

	_, inst, ok := reg.Instantiate(protocol.PeekedScreen{Slug: "greet", Parameters: json.RawMessage(`{"name":"ada"}`)})
	require.True(t, ok)
	require.Equal(t, greetParams{Name: "ada"}, inst.Params)

	_, _, ok = reg.Instantiate(protocol.PeekedScreen{Slug: "unknown"})
	require.False(t, ok, "unknown slug")

	_, _, ok = reg.Instantiate(protocol.PeekedScreen{Slug: "greet", Parameters: json.RawMessage(`{}`)})
	require.False(t, ok, "invalid parameters")

	_, _, ok = reg.Instantiate(protocol.PeekedScreen{Slug: "greet", Parameters: json.RawMessage(`[`)})
	require.False(t, ok, "malformed parameters")
}

func TestDefine_ComponentReceivesTypedValues(t *testing.T) {
	disposals := atomic.NewInt32(0)
	s := greetScreen(true, disposals)
	params, err := s.MapParams(json.RawMessage(`{"name":"ada"}`))
	require.NoError(t, err)

	inst := Instance{Slug: "greet", Params: params}
	h := NewHandle(NewContext("dark"), s, inst, nil)
	model := s.Component(Props{Instance: inst, Resources: h.Resources()})
	require.Equal(t, "hello ada", model.View())

	h.Dispose()
	require.Equal(t, int32(1), disposals.Load())
}

func TestHandle_ReadyLatches(t *testing.T) {
	s := greetScreen(false, atomic.NewInt32(0))
	h := NewHandle(NewContext("dark"), s, Instance{Slug: "greet", Params: greetParams{Name: "x"}}, nil)
	defer h.Dispose()
	require.False(t, h.IsReady())

	res := h.Resources().(*countingResources)
	res.MarkReady()

	select {
	case <-h.ReadyC():
	case <-time.After(time.Second):
		t.Fatal("ready never latched")
	}
	require.True(t, h.IsReady())

	res.ready.Set(false)
	require.True(t, h.IsReady(), "ready never goes back to false")
}

func TestHandle_AlreadyReady(t *testing.T) {
	h := NewHandle(NewContext("dark"), greetScreen(true, atomic.NewInt32(0)),
		Instance{Slug: "greet", Params: greetParams{Name: "x"}}, nil)
	defer h.Dispose()
	require.True(t, h.IsReady())
	<-h.ReadyC()
}

func TestHandle_DisposeExactlyOnceProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		disposals := atomic.NewInt32(0)
		n := rapid.IntRange(1, 6).Draw(rt, "handles")
		handles := make([]*Handle, n)
		for i := range handles {
			handles[i] = NewHandle(NewContext("dark"), greetScreen(rapid.Bool().Draw(rt, "ready"), disposals),
				Instance{Slug: "greet", Params: greetParams{Name: "x"}}, nil)
		}

		calls := rapid.SliceOf(rapid.IntRange(0, n-1)).Draw(rt, "dispose calls")
		for _, i := range calls {
			handles[i].Dispose()
		}
		DisposeAll(handles)

		if got := disposals.Load(); got != int32(n) {
			rt.Fatalf("disposed %d times for %d handles", got, n)
		}
	})
}

func TestBasicResources(t *testing.T) {
	r := ReadyResources()
	require.True(t, r.Ready().Get())
	r.Dispose()

	ch := make(chan struct{})
	r = NewResources(func() { close(ch) })
	go r.MarkReady()
	_, err := pubsub.WaitFor(context.Background(), r.Ready(), func(v bool) bool { return v })
	require.NoError(t, err)
	r.Dispose()
	<-ch
}
