package convert

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/and161185/robosync/internal/model"
)

func TestToRobotPatch_OptionalOrderIDs(t *testing.T) {
	t.Parallel()

	var withActive RobotResponse
	require.NoError(t, json.Unmarshal([]byte(`{
		"nickname":"ChillyRobot42","hash_id":"abc","public_key":"pub",
		"earned_rewards":120,"wants_stealth":true,"found":true,
		"last_login":"2024-05-01T10:00:00.123456Z","active_order_id":77}`), &withActive))

	p := ToRobotPatch(withActive, "b91")
	require.Equal(t, "ChillyRobot42", p.Nickname)
	require.Equal(t, int64(77), p.ActiveOrderID)
	require.Zero(t, p.LastOrderID)
	require.Equal(t, int64(120), p.EarnedRewards)
	require.True(t, p.StealthInvoice)
	require.True(t, p.Found)
	require.Equal(t, "b91", p.TokenSHA256)
	require.Equal(t, 2024, p.LastLogin.Year())

	var fresh RobotResponse
	require.NoError(t, json.Unmarshal([]byte(`{"nickname":"N","last_order_id":5}`), &fresh))
	p = ToRobotPatch(fresh, "")
	require.Zero(t, p.ActiveOrderID)
	require.Equal(t, int64(5), p.LastOrderID)
	require.False(t, p.Found)
}

func TestToOrder_StatusAndDecimals(t *testing.T) {
	t.Parallel()

	var in OrderResponse
	require.NoError(t, json.Unmarshal([]byte(`{
		"id":12,"status":3,"type":1,"currency":2,"amount":"150.50","premium":"1.5",
		"has_range":false,"min_amount":null,"max_amount":null,
		"is_maker":false,"is_taker":true,"is_buyer":false,"is_seller":true,
		"bond_invoice":"lnbc1","bond_satoshis":3000,
		"expires_at":"2024-05-01T10:05:00Z","total_secs_exp":300,
		"maker_nostr_pubkey":"aa","taker_nostr_pubkey":"bb"}`), &in))

	now := time.Unix(1714557600, 0)
	o := ToOrder(in, "exp", now)
	require.Equal(t, int64(12), o.ID)
	require.Equal(t, "exp", o.ShortAlias)
	require.Equal(t, model.StatusWaitingTakerBond, o.Status)
	require.Equal(t, "150.5", o.Amount.String())
	require.Equal(t, "1.5", o.Premium.String())
	require.True(t, o.IsTaker)
	require.Equal(t, "lnbc1", o.BondInvoice)
	require.Equal(t, now, o.ReceivedAt)

	var noStatus OrderResponse
	require.NoError(t, json.Unmarshal([]byte(`{"id":1}`), &noStatus))
	require.Equal(t, model.StatusUnknown, ToOrder(noStatus, "exp", now).Status)

	var outOfRange OrderResponse
	require.NoError(t, json.Unmarshal([]byte(`{"id":1,"status":42}`), &outOfRange))
	require.Equal(t, model.StatusUnknown, ToOrder(outOfRange, "exp", now).Status)
}

func TestToPublicOrders_Tagged(t *testing.T) {
	t.Parallel()
	var in []BookEntry
	require.NoError(t, json.Unmarshal([]byte(`[
		{"id":1,"type":0,"currency":1,"amount":"10","premium":"2.00","price":65000.12,"maker_nick":"A"},
		{"id":2,"type":1,"currency":1,"has_range":true,"min_amount":"5","max_amount":"50","premium":"-1"}]`), &in))

	out := ToPublicOrders(in, "lake")
	require.Len(t, out, 2)
	for _, o := range out {
		require.Equal(t, "lake", o.ShortAlias)
	}
	require.Equal(t, "65000.12", out[0].Price.String())
	require.True(t, out[1].HasRange)
	require.Equal(t, "-1", out[1].Premium.String())
}

func TestToLimits_And_Info(t *testing.T) {
	t.Parallel()
	var raw map[string]LimitEntry
	require.NoError(t, json.Unmarshal([]byte(`{
		"1":{"code":"USD","price":65000,"min_amount":13,"max_amount":325},
		"2":{"code":"EUR","price":60000,"min_amount":12,"max_amount":300},
		"x":{"code":"???"}}`), &raw))

	lim := ToLimits(raw)
	require.Len(t, lim, 2)
	require.Equal(t, "USD", lim[1].Code)
	require.Equal(t, 1, lim[1].Currency)
	require.Equal(t, "300", lim[2].MaxAmount.String())

	var info InfoResponse
	require.NoError(t, json.Unmarshal([]byte(`{"num_public_buy_orders":3,"version":{"major":0,"minor":8,"patch":1},"maker_fee":0.00125}`), &info))
	at := time.Unix(100, 0)
	mi := ToInfo(info, at)
	require.Equal(t, "0.8.1", mi.Version)
	require.Equal(t, 3, mi.NumPublicBuyOrders)
	require.Equal(t, "0.00125", mi.MakerFee.String())
	require.Equal(t, at, mi.FetchedAt)
}

func TestParseError(t *testing.T) {
	t.Parallel()
	cases := []struct {
		body      string
		wantField string
		wantCode  int
	}{
		{`{"bad_request":"You cannot cancel this order","error_code":1021}`, "bad_request", 1021},
		{`{"bad_invoice":"Does not look like a valid lightning invoice","error_code":3000}`, "bad_invoice", 3000},
		{`{"bad_address":"invalid","error_code":4001}`, "bad_address", 4001},
		{`{"bad_statement":"too short"}`, "bad_statement", 0},
		{`{"bad_summary":"x","error_code":5000}`, "bad_summary", 5000},
	}
	for _, c := range cases {
		br := ParseError([]byte(c.body))
		require.NotNil(t, br, c.body)
		require.Equal(t, c.wantField, br.Field)
		require.Equal(t, c.wantCode, br.Code)
		require.NotEmpty(t, br.Error())
	}

	require.Nil(t, ParseError([]byte(`{"id":1}`)))
	require.Nil(t, ParseError([]byte(`not json`)))
}
