package queuestate

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStart_StrategyPaths(t *testing.T) {
	eps := DefaultEndpoints()
	tests := []struct {
		name     string
		fp       FirstPeek
		wantPath string
		wantBody string
	}{
		{"plain", Plain(), eps.Peek, ""},
		{"merge token", MergeToken("m-1", nil), eps.MergeToken, `{"merge_token":"m-1"}`},
		{"checkout", CheckoutSession("c-1", nil), eps.Checkout, `{"checkout_uid":"c-1"}`},
		{"touch link without click", TouchLink("abc", "", nil), eps.TouchLink, `{"code":"abc"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, alwaysScreen("home"))
			fp := tt.fp
			require.NoError(t, f.machine.Start(context.Background(), FirstPeekFunc(func(context.Context) (FirstPeek, error) {
				return fp, nil
			})))

			req := f.caller.lastCall()
			require.Equal(t, tt.wantPath, req.Path)
			if tt.wantBody == "" {
				require.Nil(t, req.Body)
				return
			}
			raw, err := json.Marshal(req.Body)
			require.NoError(t, err)
			require.JSONEq(t, tt.wantBody, string(raw))
		})
	}
}

func TestStart_NilSourceIsPlainPeek(t *testing.T) {
	f := newFixture(t, alwaysScreen("home"))
	require.NoError(t, f.machine.Start(context.Background(), nil))
	require.Equal(t, DefaultEndpoints().Peek, f.caller.lastCall().Path)
	require.Equal(t, KindSuccess, f.machine.Value().Get().Kind)
}

func TestStart_SourceErrors(t *testing.T) {
	f := newFixture(t, alwaysScreen("home"))

	err := f.machine.Start(context.Background(), FirstPeekFunc(func(context.Context) (FirstPeek, error) {
		return FirstPeek{}, context.Canceled
	}))
	require.NoError(t, err, "cancellation is silent")

	boom := errors.New("store unavailable")
	err = f.machine.Start(context.Background(), FirstPeekFunc(func(context.Context) (FirstPeek, error) {
		return FirstPeek{}, boom
	}))
	require.ErrorIs(t, err, boom)
	require.Zero(t, f.caller.callCount())
}

func TestStrategy_String(t *testing.T) {
	require.Equal(t, "plain", StrategyPlain.String())
	require.Equal(t, "touch_link", StrategyTouchLink.String())
	require.Equal(t, "Strategy(9)", Strategy(9).String())
}
