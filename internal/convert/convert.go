// Package convert maps coordinator wire payloads to domain models.
package convert

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/and161185/robosync/internal/errs"
	"github.com/and161185/robosync/internal/model"
)

// --- helpers ---

func deref(p *int64) int64 {
	if p == nil {
		return 0
	}
	return *p
}

// --- robot ---

// ToRobotPatch converts a robot response into the patch applied to a slot.
func ToRobotPatch(in RobotResponse, tokenSHA256 string) model.RobotPatch {
	return model.RobotPatch{
		Nickname:       in.Nickname,
		HashID:         in.HashID,
		PublicKey:      in.PublicKey,
		ActiveOrderID:  deref(in.ActiveOrderID),
		LastOrderID:    deref(in.LastOrderID),
		EarnedRewards:  in.EarnedRewards,
		StealthInvoice: in.WantsStealth,
		Found:          in.Found,
		LastLogin:      in.LastLogin,
		TokenSHA256:    tokenSHA256,
	}
}

// --- order ---

// ToOrder converts an order response. A missing status maps to StatusUnknown.
func ToOrder(in OrderResponse, shortAlias string, receivedAt time.Time) model.Order {
	status := model.StatusUnknown
	if in.Status != nil {
		status = model.ParseStatus(*in.Status)
	}
	sats := in.Satoshis
	if in.TradeSatoshis != 0 {
		sats = in.TradeSatoshis
	}
	return model.Order{
		ID:               in.ID,
		ShortAlias:       shortAlias,
		Status:           status,
		StatusMessage:    in.StatusMessage,
		IsMaker:          in.IsMaker,
		IsTaker:          in.IsTaker,
		IsBuyer:          in.IsBuyer,
		IsSeller:         in.IsSeller,
		Type:             in.Type,
		Currency:         in.Currency,
		Amount:           in.Amount,
		HasRange:         in.HasRange,
		MinAmount:        in.MinAmount,
		MaxAmount:        in.MaxAmount,
		Satoshis:         sats,
		Premium:          in.Premium,
		PaymentMethod:    in.PaymentMethod,
		BondInvoice:      in.BondInvoice,
		BondSatoshis:     in.BondSatoshis,
		EscrowInvoice:    in.EscrowInvoice,
		EscrowSatoshis:   in.EscrowSatoshis,
		InvoiceAmount:    in.InvoiceAmount,
		MakerNick:        in.MakerNick,
		TakerNick:        in.TakerNick,
		MakerNostrPubkey: in.MakerNostrPubkey,
		TakerNostrPubkey: in.TakerNostrPubkey,
		CreatedAt:        in.CreatedAt,
		ExpiresAt:        in.ExpiresAt,
		TotalSecsExp:     in.TotalSecsExp,
		ReceivedAt:       receivedAt,
	}
}

// --- book ---

// ToPublicOrders tags book entries with the coordinator they came from.
func ToPublicOrders(in []BookEntry, shortAlias string) []model.PublicOrder {
	out := make([]model.PublicOrder, 0, len(in))
	for _, e := range in {
		out = append(out, model.PublicOrder{
			ID:            e.ID,
			ShortAlias:    shortAlias,
			Type:          e.Type,
			Currency:      e.Currency,
			Amount:        e.Amount,
			HasRange:      e.HasRange,
			MinAmount:     e.MinAmount,
			MaxAmount:     e.MaxAmount,
			PaymentMethod: e.PaymentMethod,
			Premium:       e.Premium,
			Price:         e.Price,
			BondSize:      e.BondSize,
			EscrowSecs:    e.EscrowDuration,
			MakerNick:     e.MakerNick,
			MakerHashID:   e.MakerHashID,
			MakerStatus:   e.MakerStatus,
			CreatedAt:     e.CreatedAt,
			ExpiresAt:     e.ExpiresAt,
		})
	}
	return out
}

// --- info / limits ---

// ToInfo converts the info response.
func ToInfo(in InfoResponse, fetchedAt time.Time) model.Info {
	return model.Info{
		NumPublicBuyOrders:  in.NumPublicBuyOrders,
		NumPublicSellOrders: in.NumPublicSellOrders,
		BookLiquidity:       in.BookLiquidity,
		ActiveRobotsToday:   in.ActiveRobotsToday,
		LastDayVolume:       in.LastDayVolume,
		LifetimeVolume:      in.LifetimeVolume,
		NodeAlias:           in.NodeAlias,
		NodeID:              in.NodeID,
		Version:             strconv.Itoa(in.Version.Major) + "." + strconv.Itoa(in.Version.Minor) + "." + strconv.Itoa(in.Version.Patch),
		MakerFee:            in.MakerFee,
		TakerFee:            in.TakerFee,
		BondSize:            in.BondSize,
		FetchedAt:           fetchedAt,
	}
}

// ToLimits converts the limits map. Keys that are not currency ids are skipped.
func ToLimits(in map[string]LimitEntry) model.Limits {
	out := make(model.Limits, len(in))
	for k, v := range in {
		id, err := strconv.Atoi(k)
		if err != nil {
			continue
		}
		out[id] = model.Limit{
			Currency:  id,
			Code:      v.Code,
			Price:     v.Price,
			MinAmount: v.MinAmount,
			MaxAmount: v.MaxAmount,
		}
	}
	return out
}

// --- errors ---

// ParseError extracts a coordinator domain error from a response body.
// It returns nil when the body carries none of the known error fields.
func ParseError(body []byte) *errs.BadRequestError {
	var in ErrorResponse
	if err := json.Unmarshal(body, &in); err != nil {
		return nil
	}
	fields := []struct{ name, msg string }{
		{"bad_request", in.BadRequest},
		{"bad_statement", in.BadStatement},
		{"bad_invoice", in.BadInvoice},
		{"bad_address", in.BadAddress},
		{"bad_summary", in.BadSummary},
	}
	for _, f := range fields {
		if f.msg != "" {
			return &errs.BadRequestError{Field: f.name, Code: in.ErrorCode, Message: f.msg}
		}
	}
	return nil
}
