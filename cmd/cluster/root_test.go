package cluster

import (
	"testing"

	"github.com/spf13/viper"
)

// TestRequestTimeoutMS tests that the timeout flag translates into a nonzero
// coordinator wait budget for outgoing requests
func TestRequestTimeoutMS(t *testing.T) {
	previous := viper.Get("timeout")
	defer viper.Set("timeout", previous)

	viper.Set("timeout", 7)
	if got := requestTimeoutMS(); got != 7000 {
		t.Errorf("Expected a budget of 7000ms, got %d", got)
	}
}
