package health

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/lendguard/internal/circuitbreaker"
)

func TestRegistryEmpty(t *testing.T) {
	healthy, statuses := NewRegistry().CheckAll(context.Background())
	assert.True(t, healthy)
	assert.Empty(t, statuses)
}

func TestRegistry_AggregatesInOrder(t *testing.T) {
	r := NewRegistry()
	r.Register("database", func(context.Context) Status { return Status{Healthy: true} })
	r.Register("redis", func(context.Context) Status { return Status{Detail: "connection refused"} })

	healthy, statuses := r.CheckAll(context.Background())
	assert.False(t, healthy)
	require.Len(t, statuses, 2)
	assert.Equal(t, "database", statuses[0].Name)
	assert.Equal(t, "redis", statuses[1].Name)
	assert.Equal(t, "connection refused", statuses[1].Detail)
}

func TestRegistry_CheckTimeout(t *testing.T) {
	r := NewRegistry()
	r.timeout = 10 * time.Millisecond
	r.Register("slow", func(ctx context.Context) Status {
		<-ctx.Done()
		return Status{Detail: ctx.Err().Error()}
	})

	start := time.Now()
	healthy, _ := r.CheckAll(context.Background())
	assert.False(t, healthy)
	assert.Less(t, time.Since(start), time.Second)
}

func TestDatabaseChecker(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectPing()
	st := Database(db)(context.Background())
	assert.True(t, st.Healthy)

	mock.ExpectPing().WillReturnError(errors.New("server closed the connection"))
	st = Database(db)(context.Background())
	assert.False(t, st.Healthy)
	assert.Contains(t, st.Detail, "server closed")
}

func TestBreakerChecker_OpenStaysHealthy(t *testing.T) {
	cb := circuitbreaker.New(1, time.Minute)
	cb.RecordFailure("geoip")

	st := Breaker(cb, "geoip")(context.Background())
	assert.True(t, st.Healthy)
	assert.Equal(t, "circuit open", st.Detail)
}
