package bridge

import (
	"context"
	"testing"

	"github.com/ismaiel54/advisor-bridge/internal/domain"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zaptest"
)

func TestSubscriptionGuard_Cooldown(t *testing.T) {
	p := &fakePlatform{}
	g := NewSubscriptionGuard(p, domain.NewInstrumentSet("GBP/USD", "EUR/USD"), zaptest.NewLogger(t))

	for i := 0; i < 120; i++ {
		g.Pass(context.Background())
	}

	// passes 1, 51 and 101
	assert.Len(t, p.subscribes, 3)
	for _, s := range p.subscribes {
		assert.Equal(t, []string{"EUR/USD", "GBP/USD"}, s)
	}
}

func TestSubscriptionGuard_FullySubscribed(t *testing.T) {
	p := &fakePlatform{subscribed: []string{"EUR/USD", "GBP/USD", "USD/JPY"}}
	g := NewSubscriptionGuard(p, domain.NewInstrumentSet("GBP/USD", "EUR/USD"), zaptest.NewLogger(t))

	for i := 0; i < 10; i++ {
		g.Pass(context.Background())
	}
	assert.Empty(t, p.subscribes)

	// a dropped subscription is picked up on the next pass
	p.subscribed = []string{"EUR/USD"}
	g.Pass(context.Background())
	assert.Len(t, p.subscribes, 1)
}
