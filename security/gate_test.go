package security

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/kradalby/switchboard/events"
	"github.com/stretchr/testify/require"
	"tailscale.com/tstest"
	"tailscale.com/util/eventbus"
)

var testStart = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestGate(t *testing.T) (*Gate, *tstest.Clock) {
	t.Helper()
	clock := tstest.NewClock(tstest.ClockOpts{Start: testStart})
	g, err := NewGate(Options{Logger: testLogger(), Clock: clock})
	require.NoError(t, err)
	return g, clock
}

func TestCheckRateLimitWindow(t *testing.T) {
	g, clock := newTestGate(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.True(t, g.CheckRateLimit(ctx, "10.0.0.1", 5, time.Second), "call %d", i+1)
	}
	require.False(t, g.CheckRateLimit(ctx, "10.0.0.1", 5, time.Second))

	// A different identifier has its own bucket.
	require.True(t, g.CheckRateLimit(ctx, "10.0.0.2", 5, time.Second))

	clock.Advance(time.Second)
	require.True(t, g.CheckRateLimit(ctx, "10.0.0.1", 5, time.Second))
}

func TestTrackActivityBlacklistsTogglers(t *testing.T) {
	tests := []struct {
		name   string
		kind   ActivityKind
		count  int
		listed bool
	}{
		{name: "20 toggles", kind: ActivityToggle, count: 20, listed: false},
		{name: "21 toggles", kind: ActivityToggle, count: 21, listed: true},
		{name: "5 auth failures", kind: ActivityAuthFailure, count: 5, listed: false},
		{name: "6 auth failures", kind: ActivityAuthFailure, count: 6, listed: true},
		{name: "many commands", kind: ActivityCommand, count: 100, listed: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, clock := newTestGate(t)
			for i := 0; i < tt.count; i++ {
				g.TrackActivity("AA:BB:CC:DD:EE:01", tt.kind)
				clock.Advance(5 * time.Second)
			}
			require.Equal(t, tt.listed, g.IsBlacklisted("AA:BB:CC:DD:EE:01"))
		})
	}
}

func TestTrackActivityOnlyCountsTrailingWindow(t *testing.T) {
	g, clock := newTestGate(t)

	for i := 0; i < 40; i++ {
		g.TrackActivity("dev", ActivityToggle)
		clock.Advance(20 * time.Second)
	}

	require.False(t, g.IsBlacklisted("dev"))
}

func TestExplicitBlacklist(t *testing.T) {
	g, _ := newTestGate(t)

	g.Blacklist("10.0.0.9")
	require.True(t, g.IsBlacklisted("10.0.0.9"))

	g.Cleanup()
	require.True(t, g.IsBlacklisted("10.0.0.9"))

	require.True(t, g.Unblacklist("10.0.0.9"))
	require.False(t, g.IsBlacklisted("10.0.0.9"))
	require.False(t, g.Unblacklist("10.0.0.9"))
}

func TestCleanupDropsStaleState(t *testing.T) {
	g, clock := newTestGate(t)
	ctx := context.Background()

	g.TrackActivity("old", ActivityToggle)
	require.True(t, g.CheckRateLimit(ctx, "10.0.0.1", 10, time.Minute))
	require.Equal(t, Stats{TrackedIdentifiers: 1, Buckets: 1}, g.Stats())

	clock.Advance(25 * time.Hour)
	g.TrackActivity("fresh", ActivityToggle)
	g.Cleanup()

	require.Equal(t, Stats{TrackedIdentifiers: 1, Buckets: 0}, g.Stats())
}

func TestGateConcurrentUse(t *testing.T) {
	g, _ := newTestGate(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				g.TrackActivity("dev", ActivityCommand)
				g.CheckRateLimit(ctx, "10.0.0.1", 1000, time.Minute)
				_ = g.IsBlacklisted("dev")
				if j%50 == 0 {
					g.Cleanup()
				}
			}
		}()
	}
	wg.Wait()

	require.False(t, g.IsBlacklisted("dev"))
}

func TestBlacklistPublishesEvent(t *testing.T) {
	bus, err := events.New(testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = bus.Close() })

	subClient, err := bus.Client(events.ClientMetrics)
	require.NoError(t, err)
	sub := eventbus.Subscribe[events.SecurityEvent](subClient)

	g, err := NewGate(Options{Logger: testLogger(), Bus: bus})
	require.NoError(t, err)

	g.Blacklist("10.0.0.7")

	select {
	case evt := <-sub.Events():
		require.Equal(t, "10.0.0.7", evt.Identifier)
		require.Equal(t, events.SecurityBlacklisted, evt.Kind)
	case <-time.After(time.Second):
		t.Fatal("expected security event")
	}
}

func TestDeviceTokens(t *testing.T) {
	key := []byte("signing-key")
	g, clock := newTestGate(t)

	token, err := g.IssueDeviceToken("AA:BB:CC:DD:EE:01", key)
	require.NoError(t, err)

	claims, err := g.VerifyDeviceToken(token, key)
	require.NoError(t, err)
	require.Equal(t, "AA:BB:CC:DD:EE:01", claims.DeviceID)
	require.Equal(t, testStart, claims.IssuedAt.Time.UTC())

	_, err = g.VerifyDeviceToken(token, []byte("other-key"))
	require.ErrorIs(t, err, ErrInvalidToken)

	_, err = g.VerifyDeviceToken("not-a-token", key)
	require.ErrorIs(t, err, ErrInvalidToken)

	_, err = g.VerifyDeviceToken("", key)
	require.ErrorIs(t, err, ErrInvalidToken)

	clock.Advance(TokenLifetime + time.Minute)
	_, err = g.VerifyDeviceToken(token, key)
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifyDeviceTokenRejectsBadClaims(t *testing.T) {
	key := []byte("signing-key")
	g, _ := newTestGate(t)

	sign := func(claims DeviceClaims) string {
		s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(key)
		require.NoError(t, err)
		return s
	}

	tests := []struct {
		name  string
		token string
	}{
		{
			name: "lifetime too long",
			token: sign(DeviceClaims{DeviceID: "dev", RegisteredClaims: jwt.RegisteredClaims{
				IssuedAt:  jwt.NewNumericDate(testStart),
				ExpiresAt: jwt.NewNumericDate(testStart.Add(48 * time.Hour)),
			}}),
		},
		{
			name: "no expiry",
			token: sign(DeviceClaims{DeviceID: "dev", RegisteredClaims: jwt.RegisteredClaims{
				IssuedAt: jwt.NewNumericDate(testStart),
			}}),
		},
		{
			name: "no device id",
			token: sign(DeviceClaims{RegisteredClaims: jwt.RegisteredClaims{
				IssuedAt:  jwt.NewNumericDate(testStart),
				ExpiresAt: jwt.NewNumericDate(testStart.Add(time.Hour)),
			}}),
		},
		{
			name: "no issue time",
			token: sign(DeviceClaims{DeviceID: "dev", RegisteredClaims: jwt.RegisteredClaims{
				ExpiresAt: jwt.NewNumericDate(testStart.Add(time.Hour)),
			}}),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := g.VerifyDeviceToken(tt.token, key)
			require.ErrorIs(t, err, ErrInvalidToken)
		})
	}

	none, err := jwt.NewWithClaims(jwt.SigningMethodNone, DeviceClaims{DeviceID: "dev"}).
		SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = g.VerifyDeviceToken(none, key)
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestSignatures(t *testing.T) {
	secret := []byte("api-secret")
	body := []byte(`{"switches":[{"pin":16,"state":true}]}`)

	sig := SignPayload(body, secret)
	require.True(t, VerifySignature(body, sig, secret))
	require.False(t, VerifySignature(body, sig, []byte("wrong")))
	require.False(t, VerifySignature([]byte("tampered"), sig, secret))
	require.False(t, VerifySignature(body, "zz", secret))
	require.False(t, VerifySignature(body, "", secret))

	require.True(t, SecretsEqual("abc", "abc"))
	require.False(t, SecretsEqual("abc", "abd"))
	require.False(t, SecretsEqual("", ""))
}
