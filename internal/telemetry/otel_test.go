package telemetry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/vnmchuo/ipu-finops/config"
)

func TestInitStdout(t *testing.T) {
	cfg := &config.Config{OTELExporterType: "stdout"}

	shutdownTracer, err := InitTracer("ipu-finops-test", cfg, zap.NewNop())
	require.NoError(t, err)
	defer shutdownTracer()

	shutdownMeter, err := InitMeter("ipu-finops-test", cfg, zap.NewNop())
	require.NoError(t, err)
	defer shutdownMeter()

	counter, err := otel.Meter("test").Int64Counter("finops.test")
	require.NoError(t, err)
	assert.NotNil(t, counter)
}
