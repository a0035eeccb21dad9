package session

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

type memVisitorStore struct {
	mu      sync.Mutex
	uid     string
	loadErr error
	saves   []string
}

func (m *memVisitorStore) LoadVisitor(context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.uid, m.loadErr
}

func (m *memVisitorStore) SaveVisitor(_ context.Context, uid string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.uid = uid
	m.saves = append(m.saves, uid)
	return nil
}

func TestVisitorSource_LoadSettles(t *testing.T) {
	store := &memVisitorStore{uid: "v-1"}
	src := NewVisitorSource(store)
	require.True(t, src.Value().Get().Loading)

	require.NoError(t, src.Load(context.Background()))
	require.Equal(t, Visitor{UID: "v-1"}, src.Value().Get())
}

func TestVisitorSource_LoadFailureStillSettles(t *testing.T) {
	src := NewVisitorSource(&memVisitorStore{loadErr: errors.New("disk")})

	require.Error(t, src.Load(context.Background()))
	require.Equal(t, Visitor{}, src.Value().Get())
}

func TestVisitorSource_SetVisitorPersistsOnlyChanges(t *testing.T) {
	store := &memVisitorStore{}
	src := NewVisitorSource(store)
	require.NoError(t, src.Load(context.Background()))

	src.SetVisitor(context.Background(), "v-2")
	src.SetVisitor(context.Background(), "v-2")

	require.Equal(t, "v-2", src.Value().Get().UID)
	require.Equal(t, []string{"v-2"}, store.saves)
}

func TestVisitorSource_NilStore(t *testing.T) {
	src := NewVisitorSource(nil)
	require.NoError(t, src.Load(context.Background()))
	src.SetVisitor(context.Background(), "v-3")
	require.Equal(t, "v-3", src.Value().Get().UID)
}
