package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestActionCounters(t *testing.T) {
	SieveActions.Reset()

	SieveActions.WithLabelValues("redirect", "ok").Inc()
	SieveActions.WithLabelValues("redirect", "ok").Inc()
	SieveActions.WithLabelValues("fileinto", "fail").Inc()

	assert.Equal(t, 2.0, testutil.ToFloat64(SieveActions.WithLabelValues("redirect", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(SieveActions.WithLabelValues("fileinto", "fail")))
}

func TestLedgerCounters(t *testing.T) {
	LedgerOperations.Reset()
	LedgerOperations.WithLabelValues("sqlite", "mark", "success").Inc()
	assert.Equal(t, 1, testutil.CollectAndCount(LedgerOperations))
}
