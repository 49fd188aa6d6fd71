package store_test

import (
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/mirkobrombin/go-lockable/v1/store"
	"github.com/mirkobrombin/go-lockable/v1/store/storetest"
)

// TestEtcdStore needs a reachable etcd cluster; set
// LOCKABLE_TEST_ETCD_ENDPOINTS to a comma separated endpoint list.
func TestEtcdStore(t *testing.T) {
	endpoints := os.Getenv("LOCKABLE_TEST_ETCD_ENDPOINTS")
	if endpoints == "" {
		t.Skip("LOCKABLE_TEST_ETCD_ENDPOINTS not set")
	}
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   strings.Split(endpoints, ","),
		DialTimeout: 5 * time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	storetest.Run(t, func(t *testing.T) store.Store {
		s, err := store.NewEtcdStore(client, store.WithEtcdPrefix("/lockable-test/"+uuid.NewString()+"/"))
		require.NoError(t, err)
		return s
	})
}

func TestNewEtcdStoreNilKV(t *testing.T) {
	_, err := store.NewEtcdStore(nil)
	require.ErrorIs(t, err, store.ErrNilClient)
}
