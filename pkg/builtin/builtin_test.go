package builtin

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/toolrun/pkg/engine"
)

func TestAll_RegistersCleanly(t *testing.T) {
	e := engine.New(engine.DefaultConfig())
	defer e.Shutdown()

	tools := All()
	require.Len(t, tools, 4)
	require.NoError(t, e.RegisterTools(tools))
	assert.Equal(t, 4, e.Registry().Count())

	for _, tool := range tools {
		assert.Equal(t, engine.RiskSafe, tool.RiskLevel, tool.ID)
	}
}

func TestEcho(t *testing.T) {
	out, err := Echo().Handler(context.Background(), map[string]interface{}{"message": "hello"})
	require.NoError(t, err)
	assert.Equal(t, "hello", out)
}

func TestSleep(t *testing.T) {
	tests := []struct {
		name    string
		input   map[string]interface{}
		wantErr bool
	}{
		{"int value", map[string]interface{}{"ms": 5}, false},
		{"float value from json", map[string]interface{}{"ms": float64(5)}, false},
		{"negative", map[string]interface{}{"ms": -1}, true},
		{"not a number", map[string]interface{}{"ms": "soon"}, true},
		{"missing", map[string]interface{}{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := Sleep().Handler(context.Background(), tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, map[string]interface{}{"slept_ms": 5}, out)
		})
	}
}

func TestSleep_Cancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		_, err := Sleep().Handler(ctx, map[string]interface{}{"ms": 5000})
		done <- err
	}()

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("sleep did not honor cancellation")
	}
}

func TestTimeNow(t *testing.T) {
	out, err := TimeNow().Handler(context.Background(), nil)
	require.NoError(t, err)

	s, ok := out.(string)
	require.True(t, ok)
	_, err = time.Parse(time.RFC3339, s)
	assert.NoError(t, err)
}

func TestChecksum(t *testing.T) {
	out, err := Checksum().Handler(context.Background(), map[string]interface{}{"data": "abc"})
	require.NoError(t, err)
	assert.Equal(t, "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad", out)
}
