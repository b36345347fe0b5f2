package federation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/and161185/robosync/internal/coordinator"
	"github.com/and161185/robosync/internal/errs"
	"github.com/and161185/robosync/internal/limiter"
	"github.com/and161185/robosync/internal/model"
)

// fakeCoordinator serves a minimal coordinator API; fail switches every route to 500.
type fakeCoordinator struct {
	alias string
	fail  atomic.Bool
	srv   *httptest.Server
}

func newFake(t *testing.T, alias string) *fakeCoordinator {
	t.Helper()
	f := &fakeCoordinator{alias: alias}
	mux := http.NewServeMux()
	mux.HandleFunc("/api/", func(w http.ResponseWriter, r *http.Request) {
		if f.fail.Load() {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		switch r.URL.Path {
		case "/api/book/":
			fmt.Fprintf(w, `[{"id":1,"amount":"10","premium":"1","maker_nick":"%s-maker"}]`, alias)
		case "/api/robot/":
			fmt.Fprintf(w, `{"nickname":"%s-robot","found":true}`, alias)
		case "/api/info/":
			_, _ = io.WriteString(w, `{"num_public_buy_orders":2,"num_public_sell_orders":1,"book_liquidity":1000,"version":{"major":0,"minor":8,"patch":1}}`)
		case "/api/limits/":
			_, _ = io.WriteString(w, `{"1":{"code":"USD","price":65000,"min_amount":20,"max_amount":300}}`)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})
	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeCoordinator) coordinator(donation int) *coordinator.Coordinator {
	return coordinator.New(coordinator.Config{
		ShortAlias:      f.alias,
		Endpoints:       coordinator.Endpoints{model.Mainnet: {model.Clearnet: f.srv.URL}},
		DevFundDonation: donation,
		Enabled:         true,
	},
		coordinator.WithClients(coordinator.Clients{Direct: f.srv.Client()}),
		coordinator.WithLimiter(limiter.NewMemory(limiter.Config{RPS: 1000, Burst: 1000, Window: 60e9, MaxFails: 1000, MinBlock: 1e9, MaxBlock: 1e9})),
	)
}

// staticCoordinator never gets contacted.
func staticCoordinator(alias string, donation int) *coordinator.Coordinator {
	return coordinator.New(coordinator.Config{ShortAlias: alias, DevFundDonation: donation, Enabled: true})
}

type recordingTarget struct {
	mu      sync.Mutex
	loading map[string]bool
	robots  map[string]model.RobotPatch
	errs    map[string]error
}

func newTarget() *recordingTarget {
	return &recordingTarget{loading: map[string]bool{}, robots: map[string]model.RobotPatch{}, errs: map[string]error{}}
}

func (r *recordingTarget) Credentials() coordinator.Credentials {
	return coordinator.Credentials{TokenSHA256: "b91", PublicKey: "pub", EncryptedPrivate: "enc", NostrPubkey: "np"}
}

func (r *recordingTarget) SetLoading(alias string) {
	r.mu.Lock()
	r.loading[alias] = true
	r.mu.Unlock()
}

func (r *recordingTarget) ApplyRobot(alias string, p model.RobotPatch, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.loading[alias] = false
	if err != nil {
		r.errs[alias] = err
		return
	}
	r.robots[alias] = p
}

var _ RobotTarget = (*recordingTarget)(nil)

func TestLottery_SeededAndCached(t *testing.T) {
	t.Parallel()
	build := func() *Federation {
		return New([]*coordinator.Coordinator{
			staticCoordinator("a", 20), staticCoordinator("b", 5), staticCoordinator("c", 100), staticCoordinator("d", 0),
		}, WithSeed(42))
	}
	f1, f2 := build(), build()
	first := f1.Lottery()
	require.Len(t, first, 4)
	require.Equal(t, first, f2.Lottery(), "same seed must draw the same order")
	require.Equal(t, first, f1.Lottery(), "draw happens once per session")
	require.Equal(t, "d", first[3], "zero donation draws last")
	require.ElementsMatch(t, []string{"a", "b", "c", "d"}, first)
}

func TestLottery_WeightsFavorDonors(t *testing.T) {
	t.Parallel()
	wins := map[string]int{}
	for seed := uint64(0); seed < 400; seed++ {
		f := New([]*coordinator.Coordinator{staticCoordinator("big", 50), staticCoordinator("small", 5)}, WithSeed(seed))
		wins[f.Lottery()[0]]++
	}
	// P(big first) = 50/55
	assert.Greater(t, wins["big"], 300)
	assert.Greater(t, wins["small"], 0)
}

func TestLottery_CapsWeight(t *testing.T) {
	t.Parallel()
	wins := map[string]int{}
	for seed := uint64(0); seed < 400; seed++ {
		f := New([]*coordinator.Coordinator{staticCoordinator("whale", 100), staticCoordinator("capped", 50)}, WithSeed(seed))
		wins[f.Lottery()[0]]++
	}
	// both weigh 50 after the cap
	assert.InDelta(t, 200, wins["whale"], 60)
}

func TestLottery_NonLiveSinks(t *testing.T) {
	t.Parallel()
	a, b, c := staticCoordinator("a", 50), staticCoordinator("b", 50), staticCoordinator("c", 50)
	f := New([]*coordinator.Coordinator{a, b, c}, WithSeed(7))
	base := f.Lottery()
	first, _ := f.Get(base[0])
	first.SetLive(false)

	order := f.Lottery()
	require.Equal(t, base[0], order[2])
	require.Equal(t, base[1:], order[:2])

	first.SetLive(true)
	require.Equal(t, base, f.Lottery())
}

func TestAddEnableDisable(t *testing.T) {
	t.Parallel()
	f := New([]*coordinator.Coordinator{staticCoordinator("a", 10)}, WithSeed(1))
	_ = f.Lottery()

	require.NoError(t, f.AddCoordinator(staticCoordinator("b", 10)))
	require.Error(t, f.AddCoordinator(staticCoordinator("b", 10)))
	require.Equal(t, []string{"a", "b"}, f.Lottery(), "late coordinators join at the end")

	require.NoError(t, f.Disable("a"))
	require.Len(t, f.Enabled(), 1)
	require.NoError(t, f.Enable("a"))
	require.Len(t, f.Enabled(), 2)
	require.ErrorIs(t, f.Disable("zzz"), errs.ErrNotFound)
}

func TestAggregateBook_LivenessIsolation(t *testing.T) {
	t.Parallel()
	good, bad := newFake(t, "good"), newFake(t, "bad")
	gc, bc := good.coordinator(10), bad.coordinator(10)
	f := New([]*coordinator.Coordinator{gc, bc}, WithSeed(3))
	ctx := context.Background()

	book, err := f.AggregateBook(ctx)
	require.NoError(t, err)
	require.Len(t, book, 2)

	bad.fail.Store(true)
	book, err = f.AggregateBook(ctx)
	require.Error(t, err)
	require.False(t, bc.Live())
	require.True(t, bc.Enabled(), "not-live is not disabled")
	require.True(t, gc.Live(), "a failing coordinator must not affect others")
	require.Len(t, book, 1)
	require.Equal(t, "good", book[0].ShortAlias)
	require.Len(t, bc.Book(), 1, "cached book kept for when it comes back")

	bad.fail.Store(false)
	bc.SetLive(true)
	book, err = f.AggregateBook(ctx)
	require.NoError(t, err)
	require.Len(t, book, 2)
}

func TestFetchRobotEverywhere_PerCoordinatorResults(t *testing.T) {
	t.Parallel()
	a, b := newFake(t, "a"), newFake(t, "b")
	b.fail.Store(true)
	f := New([]*coordinator.Coordinator{a.coordinator(1), b.coordinator(1)}, WithSeed(1))
	target := newTarget()

	err := f.FetchRobotEverywhere(context.Background(), target)
	require.Error(t, err)
	require.True(t, errors.Is(err, errs.ErrRegistrationFailed))

	require.Equal(t, "a-robot", target.robots["a"].Nickname)
	require.True(t, target.robots["a"].Found)
	require.Contains(t, target.errs, "b")
	require.False(t, target.loading["a"])
	require.False(t, target.loading["b"])
}

func TestFetchRobotEverywhere_NoEnabled(t *testing.T) {
	t.Parallel()
	c := staticCoordinator("a", 1)
	c.SetEnabled(false)
	f := New([]*coordinator.Coordinator{c})
	err := f.FetchRobotEverywhere(context.Background(), newTarget())
	require.ErrorIs(t, err, errs.ErrCoordinatorUnavailable)
}

func TestExchange_MergesLiveCoordinators(t *testing.T) {
	t.Parallel()
	a, b := newFake(t, "a"), newFake(t, "b")
	ac, bc := a.coordinator(1), b.coordinator(1)
	f := New([]*coordinator.Coordinator{ac, bc}, WithSeed(1))
	require.NoError(t, f.RefreshAll(context.Background()))

	ex := f.Exchange()
	require.Equal(t, 2, ex.OnlineCoordinators)
	require.Equal(t, 2, ex.TotalCoordinators)
	require.Equal(t, 4, ex.NumPublicBuyOrders)
	require.Equal(t, int64(2000), ex.BookLiquidity)
	require.Equal(t, "0.8.1", ex.Version)
	require.Equal(t, "65000", ex.Limits[1].Price.String())

	bc.SetLive(false)
	ex = f.Exchange()
	require.Equal(t, 1, ex.OnlineCoordinators)
	require.Equal(t, 2, ex.NumPublicBuyOrders)
}

func TestNewerVersion(t *testing.T) {
	t.Parallel()
	assert.True(t, newerVersion("0.8.1", ""))
	assert.True(t, newerVersion("0.10.0", "0.9.9"))
	assert.False(t, newerVersion("0.8.1", "0.8.1"))
	assert.False(t, newerVersion("", "0.1.0"))
}
